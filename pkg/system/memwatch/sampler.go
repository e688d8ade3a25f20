// Package memwatch tracks the peak resident set size of the current process.
package memwatch

import (
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultInterval is how often the sampler reads the process RSS.
const DefaultInterval = 100 * time.Millisecond

// Sampler periodically samples the resident set size of the current process
// and keeps a monotonically non-decreasing peak. Peak reads are lock-free:
// the peak is stored as float bits in a single atomic word.
//
// One sample is taken synchronously at Start and one at Stop, so short-lived
// work between the two is never observed with an empty window.
type Sampler struct {
	interval time.Duration
	proc     *process.Process

	peakBits  atomic.Uint64
	sampled   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSampler creates a sampler for the current process. A non-positive
// interval falls back to DefaultInterval.
func NewSampler(interval time.Duration) (*Sampler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{
		interval: interval,
		proc:     proc,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start takes an initial sample and launches the sampling loop.
func (s *Sampler) Start() {
	s.startOnce.Do(func() {
		s.sample()
		go s.loop()
	})
}

func (s *Sampler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	info, err := s.proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	s.sampled.Store(true)
	mb := float64(info.RSS) / (1024 * 1024)
	for {
		old := s.peakBits.Load()
		if mb <= math.Float64frombits(old) {
			return
		}
		if s.peakBits.CompareAndSwap(old, math.Float64bits(mb)) {
			return
		}
	}
}

// Stop takes a final sample and terminates the sampling loop. It blocks
// until the loop has exited, which takes at most one interval. Safe to call
// more than once.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		s.sample()
		close(s.stop)
		<-s.done
	})
}

// PeakMB returns the highest resident set size observed so far, in MiB.
func (s *Sampler) PeakMB() float64 {
	return math.Float64frombits(s.peakBits.Load())
}

// Available reports whether at least one RSS read succeeded. On platforms
// where the resident set metric cannot be read, callers should omit the
// memory figure rather than report zero.
func (s *Sampler) Available() bool {
	return s.sampled.Load()
}

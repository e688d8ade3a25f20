package memwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerObservesPeak(t *testing.T) {
	s, err := NewSampler(10 * time.Millisecond)
	require.NoError(t, err)

	s.Start()
	// Allocate enough that RSS is clearly non-zero on any platform.
	buf := make([]byte, 8*1024*1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	require.True(t, s.Available())
	assert.Greater(t, s.PeakMB(), 0.0)
	_ = buf
}

func TestPeakNonDecreasing(t *testing.T) {
	s, err := NewSampler(5 * time.Millisecond)
	require.NoError(t, err)

	s.Start()
	var last float64
	for i := 0; i < 10; i++ {
		peak := s.PeakMB()
		assert.GreaterOrEqual(t, peak, last)
		last = peak
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	assert.GreaterOrEqual(t, s.PeakMB(), last)
}

func TestStopTerminatesWithinInterval(t *testing.T) {
	s, err := NewSampler(20 * time.Millisecond)
	require.NoError(t, err)

	s.Start()
	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestStopIdempotent(t *testing.T) {
	s, err := NewSampler(10 * time.Millisecond)
	require.NoError(t, err)

	s.Start()
	s.Stop()
	s.Stop()
}

func TestPeakReadableBeforeStart(t *testing.T) {
	s, err := NewSampler(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.PeakMB())
	assert.False(t, s.Available())
}

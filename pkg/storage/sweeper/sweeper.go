// Package sweeper reconciles the upload folder against the metadata store.
// Crash windows can leave a file with no row (write committed, insert lost,
// or row deleted before the file was unlinked), and a row's file can go
// missing from disk; the sweeper deletes the former after a grace period
// and reports the latter.
package sweeper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheEntropyCollective/csvaudit/pkg/common/logging"
	"github.com/TheEntropyCollective/csvaudit/pkg/metadata"
)

// Options configures a Sweeper.
type Options struct {
	// Interval between reconciliation passes.
	Interval time.Duration
	// Grace is how old an unreferenced file must be before deletion.
	// It must comfortably exceed the longest plausible gap between
	// file write and row insert in the pipeline.
	Grace  time.Duration
	Logger *logging.Logger
}

// Sweeper watches the upload folder and periodically deletes orphaned
// files.
type Sweeper struct {
	store    metadata.Store
	root     string
	interval time.Duration
	grace    time.Duration
	logger   *logging.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// New creates a sweeper over the upload folder.
func New(store metadata.Store, root string, opts Options) (*Sweeper, error) {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("sweeper")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch upload folder: %w", err)
	}

	return &Sweeper{
		store:    store,
		root:     root,
		interval: opts.Interval,
		grace:    opts.Grace,
		logger:   logger,
		watcher:  watcher,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop terminates the loop and releases the watcher.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)
	defer s.watcher.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// Creations and removals outside the pipeline are the
			// interesting signal; the next pass reconciles them.
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Remove) {
				s.logger.Debug("upload folder changed", map[string]interface{}{
					"path": event.Name,
					"op":   event.Op.String(),
				})
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warnf("watcher error: %v", err)
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Warnf("sweep failed: %v", err)
			}
			cancel()
		}
	}
}

// SweepOnce runs a single reconciliation pass: files on disk with no
// metadata row and older than the grace period are deleted, and rows whose
// backing file is missing are reported.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	known, paths, err := s.knownFiles(ctx)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to read upload folder: %w", err)
	}

	cutoff := time.Now().Add(-s.grace)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if known[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			// Could be an upload whose insert has not landed yet.
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warnf("failed to remove orphan %s: %v", path, err)
			continue
		}
		s.logger.Info("removed orphan file", map[string]interface{}{
			"path": path,
			"age":  time.Since(info.ModTime()).Truncate(time.Second).String(),
		})
	}

	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			s.logger.Warn("record points at missing file", map[string]interface{}{
				"path": path,
			})
		}
	}

	return nil
}

// knownFiles pages through the store and returns the set of stored
// filenames plus every recorded file path.
func (s *Sweeper) knownFiles(ctx context.Context) (map[string]bool, []string, error) {
	known := make(map[string]bool)
	var paths []string

	for page := 1; ; page++ {
		records, _, err := s.store.List(ctx, page, 100, "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list records: %w", err)
		}
		if len(records) == 0 {
			break
		}
		for _, record := range records {
			known[record.StoredFilename] = true
			paths = append(paths, record.FilePath)
		}
	}
	return known, paths, nil
}

// Package local stores uploaded files as flat files under a single
// directory, with random collision-free names and atomic writes.
package local

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes uploads into a root directory. Stored names are 128-bit
// random tokens rendered as lowercase hex plus the caller's extension, so
// concurrent uploads of identical content never collide.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns a store
// rooted there.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload folder: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload folder: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute path of the storage directory.
func (s *Store) Root() string {
	return s.root
}

// Write persists content under a freshly generated name with the given
// extension and returns the stored filename and its absolute path. The
// write is atomic at filesystem granularity: content goes to a temp file
// in the same directory which is renamed into place, so a failure never
// leaves a partial file under the final name.
func (s *Store) Write(content []byte, ext string) (string, string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	token := uuid.New()
	storedName := strings.ReplaceAll(token.String(), "-", "") + ext
	finalPath := filepath.Join(s.root, storedName)

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to sync upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to close upload: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to finalize upload: %w", err)
	}

	return storedName, finalPath, nil
}

// Delete removes a stored file. Missing files are not an error, so rollback
// paths can call it unconditionally.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete stored file: %w", err)
	}
	return nil
}

// Open opens a stored file for reading.
func (s *Store) Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stored file: %w", err)
	}
	return f, nil
}

// Package artifact stores the per-run output files of an import: staged rows,
// duplicates, rejections and the run summary. Every run owns one directory
// (or object prefix) named after its run id.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Artifact file names written by a run.
const (
	StagedFile     = "staged.ndjson"
	DuplicatesFile = "duplicates.ndjson"
	RejectionsFile = "rejections.ndjson"
	SummaryFile    = "summary.json"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

// Sink is where run artifacts are written and read back.
type Sink interface {
	Write(ctx context.Context, runID, name string, data []byte) error
	Open(ctx context.Context, runID, name string) (io.ReadCloser, error)
	List(ctx context.Context, runID string) ([]string, error)
	// Location is a human-readable pointer to the run's artifacts.
	Location(runID string) string
}

// validName rejects path components that could escape the run directory.
func validName(runID, name string) error {
	for _, s := range []string{runID, name} {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidName, s)
		}
	}
	return nil
}

// =========== Directory sink ===========

// DirSink writes artifacts under Root/<run_id>/.
type DirSink struct {
	Root string
}

func NewDirSink(root string) *DirSink {
	return &DirSink{Root: root}
}

func (s *DirSink) Location(runID string) string {
	return filepath.Join(s.Root, runID)
}

func (s *DirSink) Write(_ context.Context, runID, name string, data []byte) error {
	if err := validName(runID, name); err != nil {
		return err
	}
	dir := s.Location(runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	// write-then-rename so readers never see a partial file
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact %s: %w", name, err)
	}
	return nil
}

func (s *DirSink) Open(_ context.Context, runID, name string) (io.ReadCloser, error) {
	if err := validName(runID, name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.Location(runID), name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", name, err)
	}
	return f, nil
}

func (s *DirSink) List(_ context.Context, runID string) ([]string, error) {
	if err := validName(runID, "list"); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Location(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("list run directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// =========== In-memory sink ===========

// MemorySink keeps artifacts in memory. It is safe for concurrent use and is
// intended for tests and dry runs that should leave no files behind.
type MemorySink struct {
	mu   sync.RWMutex
	runs map[string]map[string][]byte
}

func NewMemorySink() *MemorySink {
	return &MemorySink{runs: make(map[string]map[string][]byte)}
}

func (s *MemorySink) Location(runID string) string {
	return "mem://" + runID
}

func (s *MemorySink) Write(_ context.Context, runID, name string, data []byte) error {
	if err := validName(runID, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.runs[runID]
	if !ok {
		files = make(map[string][]byte)
		s.runs[runID] = files
	}
	files[name] = bytes.Clone(data)
	return nil
}

func (s *MemorySink) Open(_ context.Context, runID, name string) (io.ReadCloser, error) {
	if err := validName(runID, name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.runs[runID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemorySink) List(_ context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadAll is a convenience wrapper around Sink.Open.
func ReadAll(ctx context.Context, s Sink, runID, name string) ([]byte, error) {
	rc, err := s.Open(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

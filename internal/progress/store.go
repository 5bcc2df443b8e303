// Package progress derives what has already been ingested purely from durable on-disk
// state: per-target output files (sharded or legacy flat) and an append-only marker file
// listing targets that were fetched successfully but had no data.
package progress

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/johnayoung/go-polymarket-ingest/internal/shard"
)

// NoDataFile is the marker file name under an output root.
const NoDataFile = "no_data.txt"

// Set is a done-set of target identifiers.
type Set map[string]struct{}

// Has reports whether id is done.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add marks id as done in memory.
func (s Set) Add(id string) { s[id] = struct{}{} }

// Len returns the number of done targets.
func (s Set) Len() int { return len(s) }

// Store reads and appends progress for one output root.
type Store struct {
	router     *shard.Router
	markerPath string
	logger     *slog.Logger

	mu     sync.Mutex
	marker *os.File
}

// NewStore returns a store over router's root with the marker file at its default location.
func NewStore(router *shard.Router, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		router:     router,
		markerPath: filepath.Join(router.Root, NoDataFile),
		logger:     logger,
	}
}

// MarkerPath returns the no-data marker file path.
func (s *Store) MarkerPath() string { return s.markerPath }

// Scan unions sharded output files, legacy flat output files under the root and the
// identifiers listed in the marker file. A missing root yields an empty set.
func (s *Store) Scan() (Set, error) {
	done := make(Set)

	entries, err := os.ReadDir(s.router.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return done, nil
		}
		return nil, fmt.Errorf("read output root %s: %w", s.router.Root, err)
	}

	var sharded, legacy int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if !s.router.IsBucketDir(name) {
				continue
			}
			n, err := s.scanBucket(filepath.Join(s.router.Root, name), done)
			if err != nil {
				return nil, err
			}
			sharded += n
			continue
		}
		if id, ok := s.router.ParseFileName(name); ok {
			done.Add(id)
			legacy++
		}
	}

	markers, err := s.readMarkers(done)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("progress scanned",
		"root", s.router.Root,
		"sharded_files", sharded,
		"legacy_files", legacy,
		"no_data_markers", markers,
		"done", done.Len())
	return done, nil
}

func (s *Store) scanBucket(dir string, done Set) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read bucket %s: %w", dir, err)
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := s.router.ParseFileName(entry.Name()); ok {
			done.Add(id)
			n++
		}
	}
	return n, nil
}

func (s *Store) readMarkers(done Set) (int, error) {
	f, err := os.Open(s.markerPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open marker file: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		id := strings.TrimSpace(sc.Text())
		if id == "" {
			continue
		}
		done.Add(id)
		n++
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read marker file: %w", err)
	}
	return n, nil
}

// MarkNoData appends id to the marker file. Each call is one write of one full line,
// serialized across goroutines, so concurrent workers never interleave partial lines.
func (s *Store) MarkNoData(id string) error {
	id = strings.TrimSpace(id)
	if err := shard.ValidateID(id); err != nil {
		return fmt.Errorf("mark no data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.marker == nil {
		if err := os.MkdirAll(filepath.Dir(s.markerPath), 0o755); err != nil {
			return fmt.Errorf("create marker dir: %w", err)
		}
		f, err := os.OpenFile(s.markerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open marker file: %w", err)
		}
		s.marker = f
	}

	if _, err := s.marker.Write([]byte(id + "\n")); err != nil {
		return fmt.Errorf("append marker: %w", err)
	}
	return nil
}

// Close releases the marker file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marker == nil {
		return nil
	}
	err := s.marker.Close()
	s.marker = nil
	return err
}

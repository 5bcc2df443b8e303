package progress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Listing tracks a numbered sequence of page files such as events/events_0042.json.
// The next page to fetch is one past the highest index on disk.
type Listing struct {
	Dir    string
	Prefix string
	Ext    string
}

// NewListing returns a Listing for {dir}/{prefix}_NNNN{ext}.
func NewListing(dir, prefix, ext string) *Listing {
	return &Listing{Dir: dir, Prefix: prefix, Ext: ext}
}

// Path returns the file path for page index.
func (l *Listing) Path(index int) string {
	return filepath.Join(l.Dir, fmt.Sprintf("%s_%04d%s", l.Prefix, index, l.Ext))
}

// Index parses a page file name, returning false for names outside the sequence.
func (l *Listing) Index(name string) (int, bool) {
	head := l.Prefix + "_"
	if !strings.HasPrefix(name, head) || !strings.HasSuffix(name, l.Ext) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, head), l.Ext))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Files returns page file names in lexicographic order.
func (l *Listing) Files() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read listing dir %s: %w", l.Dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := l.Index(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	// os.ReadDir already sorts by file name.
	return names, nil
}

// NextIndex returns the index of the first page not yet on disk and how many pages exist.
func (l *Listing) NextIndex() (next int, existing int, err error) {
	names, err := l.Files()
	if err != nil {
		return 0, 0, err
	}
	max := -1
	for _, name := range names {
		if n, _ := l.Index(name); n > max {
			max = n
		}
	}
	return max + 1, len(names), nil
}

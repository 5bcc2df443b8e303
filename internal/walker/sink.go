package walker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// PartialSuffix marks an in-progress stream file. The progress store never reads it.
const PartialSuffix = ".partial"

// JSONFileSink stores a single-document target as one pretty-printed JSON file.
// Nothing appears at Path unless the walk commits.
type JSONFileSink struct {
	Path string
	doc  []byte
}

func (s *JSONFileSink) WritePage(page Page) error {
	pretty, err := indent(page.Body)
	if err != nil {
		return err
	}
	s.doc = pretty
	return nil
}

func (s *JSONFileSink) Commit() error {
	if s.doc == nil {
		return fmt.Errorf("commit %s: no document written", s.Path)
	}
	return writeFileAtomic(s.Path, s.doc)
}

func (s *JSONFileSink) Abort() error {
	s.doc = nil
	return nil
}

// GzipArraySink streams the records of a paged target into a gzip compressed JSON
// array. Records go to Path+".partial" and the file is renamed to Path only on commit,
// so a crash or failure never leaves a file that looks complete.
type GzipArraySink struct {
	Path string

	file    *os.File
	buf     *bufio.Writer
	gz      *gzip.Writer
	written int
}

func (s *GzipArraySink) partialPath() string { return s.Path + PartialSuffix }

func (s *GzipArraySink) open() error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	// O_TRUNC discards any stale partial from a killed run.
	f, err := os.OpenFile(s.partialPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.buf = bufio.NewWriterSize(f, 64<<10)
	s.gz = gzip.NewWriter(s.buf)
	s.written = 0
	_, err = s.gz.Write([]byte("[\n"))
	return err
}

func (s *GzipArraySink) WritePage(page Page) error {
	if s.gz == nil {
		if err := s.open(); err != nil {
			return fmt.Errorf("open %s: %w", s.partialPath(), err)
		}
	}
	for _, rec := range page.Records {
		if s.written > 0 {
			if _, err := s.gz.Write([]byte(",\n")); err != nil {
				return err
			}
		}
		pretty, err := indent(rec)
		if err != nil {
			return err
		}
		if _, err := s.gz.Write(pretty); err != nil {
			return err
		}
		s.written++
	}
	return nil
}

func (s *GzipArraySink) Commit() error {
	if s.gz == nil {
		return fmt.Errorf("commit %s: no records written", s.Path)
	}
	if _, err := s.gz.Write([]byte("\n]")); err != nil {
		return err
	}
	if err := s.close(); err != nil {
		return err
	}
	return os.Rename(s.partialPath(), s.Path)
}

func (s *GzipArraySink) Abort() error {
	if s.gz == nil {
		return nil
	}
	closeErr := s.close()
	if err := os.Remove(s.partialPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return closeErr
}

func (s *GzipArraySink) close() error {
	var errs []error
	errs = append(errs, s.gz.Close(), s.buf.Flush(), s.file.Sync(), s.file.Close())
	s.gz, s.buf, s.file = nil, nil, nil
	return errors.Join(errs...)
}

// PageFileSink stores each page of a listing as its own numbered file. Pages already
// written stay on disk when a later page fails; the listing resumes after them.
type PageFileSink struct {
	// Path returns the file for listing index i.
	Path  func(i int) string
	Start int

	Written []string
}

func (s *PageFileSink) WritePage(page Page) error {
	path := s.Path(s.Start + page.Number)
	pretty, err := indent(page.Body)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, pretty); err != nil {
		return err
	}
	s.Written = append(s.Written, path)
	return nil
}

func (s *PageFileSink) Commit() error { return nil }
func (s *PageFileSink) Abort() error  { return nil }

func indent(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("indent json: %w", err)
	}
	return out.Bytes(), nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

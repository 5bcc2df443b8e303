// Package shard maps target identifiers to bucket subdirectories so that millions of
// per-target output files stay spread over a bounded number of directories.
//
// A Router owns the file naming convention {prefix}_{id}{ext}. The progress store parses
// names through the same Router, so the two can never disagree on it.
package shard

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMod is the number of buckets per output root.
const DefaultMod = 1000

// MiscBucket names the directory suffix for identifiers that do not parse as numbers.
const MiscBucket = "misc"

// ErrInvalidID is returned for identifiers that cannot name a file inside Root.
var ErrInvalidID = errors.New("invalid target id")

// ValidateID rejects identifiers that are blank, span lines or could leave the bucket
// directory once joined into a path.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" ||
		strings.ContainsAny(id, "/\\\x00\r\n") ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Router computes bucket directories and file paths for one output root.
type Router struct {
	Root   string
	Prefix string
	// Ext is the extension written for new files, including the leading dot.
	Ext string
	// Accept lists extensions recognized when parsing names. Defaults to Ext.
	Accept []string
	// Base is 10 for decimal identifiers and 16 for hex identifiers.
	Base int
	Mod  int
}

// New returns a Router with DefaultMod buckets.
func New(root, prefix, ext string, base int) *Router {
	return &Router{Root: root, Prefix: prefix, Ext: ext, Base: base, Mod: DefaultMod}
}

// Bucket returns id's bucket in [0, Mod). ok is false when id does not parse in r.Base,
// in which case the file belongs in the misc bucket.
func (r *Router) Bucket(id string) (bucket int, ok bool) {
	s := strings.TrimSpace(id)
	if r.Base == 16 {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	}
	if s == "" {
		return 0, false
	}
	n, ok := new(big.Int).SetString(s, r.base())
	if !ok {
		return 0, false
	}
	m := new(big.Int).Mod(n, big.NewInt(int64(r.mod())))
	return int(m.Int64()), true
}

// BucketName returns the bucket directory name for id, e.g. "prices_042".
func (r *Router) BucketName(id string) string {
	b, ok := r.Bucket(id)
	if !ok {
		return r.Prefix + "_" + MiscBucket
	}
	return fmt.Sprintf("%s_%03d", r.Prefix, b)
}

// FileName returns the output file name for id.
func (r *Router) FileName(id string) string {
	return r.Prefix + "_" + id + r.Ext
}

// Location returns the output path for id without touching the filesystem.
func (r *Router) Location(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(r.Root, r.BucketName(id), r.FileName(id)), nil
}

// Dir returns id's bucket directory, creating it if needed.
func (r *Router) Dir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(r.Root, r.BucketName(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bucket dir %s: %w", dir, err)
	}
	return dir, nil
}

// Path returns id's output path, creating its bucket directory if needed.
func (r *Router) Path(id string) (string, error) {
	dir, err := r.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, r.FileName(id)), nil
}

// ParseFileName extracts the identifier from a file name following the convention.
func (r *Router) ParseFileName(name string) (string, bool) {
	head := r.Prefix + "_"
	if !strings.HasPrefix(name, head) {
		return "", false
	}
	for _, ext := range r.accepted() {
		if strings.HasSuffix(name, ext) {
			id := strings.TrimSuffix(strings.TrimPrefix(name, head), ext)
			if id == "" {
				return "", false
			}
			return id, true
		}
	}
	return "", false
}

// IsBucketDir reports whether a directory name under Root looks like a bucket.
func (r *Router) IsBucketDir(name string) bool {
	return strings.HasPrefix(name, r.Prefix+"_")
}

// accepted returns extensions longest first so ".json.gz" wins over ".json".
func (r *Router) accepted() []string {
	exts := r.Accept
	if len(exts) == 0 {
		exts = []string{r.Ext}
	}
	out := append([]string(nil), exts...)
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (r *Router) base() int {
	if r.Base == 16 {
		return 16
	}
	return 10
}

func (r *Router) mod() int {
	if r.Mod <= 0 {
		return DefaultMod
	}
	return r.Mod
}

package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketDecimal(t *testing.T) {
	r := New("prices", "prices", ".json", 10)

	tests := []struct {
		id     string
		bucket int
		ok     bool
	}{
		{"123456", 456, true},
		{"7", 7, true},
		{"1000", 0, true},
		// token ids exceed 64 bits
		{"21742633143463906290569050155826241533067272736897614950488156847949938836455", 455, true},
		{"not-a-number", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			b, ok := r.Bucket(tt.id)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.bucket, b)
		})
	}
}

func TestBucketHex(t *testing.T) {
	r := New("trades", "trades", ".json.gz", 16)

	b, ok := r.Bucket("0x3e8")
	require.True(t, ok)
	assert.Equal(t, 0, b) // 0x3e8 == 1000

	b, ok = r.Bucket("0x3e9")
	require.True(t, ok)
	assert.Equal(t, 1, b)

	b2, ok := r.Bucket("3e9")
	require.True(t, ok)
	assert.Equal(t, b, b2, "0x prefix is optional")

	_, ok = r.Bucket("0xzz")
	assert.False(t, ok)
	assert.Equal(t, "trades_misc", r.BucketName("0xzz"))
}

func TestBucketIsStable(t *testing.T) {
	r := New("trades", "trades", ".json.gz", 16)
	id := "0x5f65177b394277fd294cd75650044e32ba009a95022d88a0c1d565897d72f8f1"

	first := r.BucketName(id)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, r.BucketName(id))
	}
	other := &Router{Root: "elsewhere", Prefix: "trades", Ext: ".json.gz", Base: 16, Mod: DefaultMod}
	assert.Equal(t, first, other.BucketName(id))
}

func TestBucketRespectsMod(t *testing.T) {
	r := &Router{Prefix: "prices", Ext: ".json", Base: 10, Mod: 16}
	b, ok := r.Bucket("33")
	require.True(t, ok)
	assert.Equal(t, 1, b)
	assert.Equal(t, "prices_001", r.BucketName("33"))
}

func TestPathCreatesBucketDir(t *testing.T) {
	root := t.TempDir()
	r := New(root, "prices", ".json", 10)

	path, err := r.Path("123042")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "prices_042", "prices_123042.json"), path)
	location, err := r.Location("123042")
	require.NoError(t, err)
	assert.Equal(t, path, location)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// idempotent
	_, err = r.Path("999042")
	require.NoError(t, err)
}

func TestRejectsIDsEscapingRoot(t *testing.T) {
	root := t.TempDir()
	r := New(root, "prices", ".json", 10)

	for _, id := range []string{
		"../../../../tmp/evil",
		"..",
		"a/b",
		`a\b`,
		"12\n34",
		"  ",
		"",
	} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			_, err := r.Location(id)
			assert.ErrorIs(t, err, ErrInvalidID)
			_, err = r.Path(id)
			assert.ErrorIs(t, err, ErrInvalidID)
		})
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing created for rejected ids")

	path, err := r.Location("not-a-number")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "prices_misc", "prices_not-a-number.json"), path)
}

func TestParseFileName(t *testing.T) {
	r := &Router{Prefix: "trades", Ext: ".json.gz", Accept: []string{".json", ".json.gz"}, Base: 16}

	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"trades_0xabc.json.gz", "0xabc", true},
		{"trades_0xabc.json", "0xabc", true},
		{"trades_0xabc.json.gz.partial", "", false},
		{"prices_0xabc.json", "", false},
		{"trades_.json", "", false},
		{"no_data.txt", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := r.ParseFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	r := New("prices", "prices", ".json", 10)
	id, ok := r.ParseFileName(r.FileName("42"))
	require.True(t, ok)
	assert.Equal(t, "42", id)
}

package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-polymarket-ingest/internal/shard"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
}

func TestScanMissingRoot(t *testing.T) {
	router := shard.New(filepath.Join(t.TempDir(), "absent"), "prices", ".json", 10)
	done, err := NewStore(router, nil).Scan()
	require.NoError(t, err)
	assert.Equal(t, 0, done.Len())
}

func TestScanUnionsShardedLegacyAndMarkers(t *testing.T) {
	root := t.TempDir()
	router := shard.New(root, "prices", ".json", 10)

	touch(t, filepath.Join(root, "prices_001", "prices_1001.json"))
	touch(t, filepath.Join(root, "prices_002", "prices_2002.json"))
	touch(t, filepath.Join(root, "prices_3003.json")) // legacy flat layout
	touch(t, filepath.Join(root, "prices_002", "notes.txt"))
	touch(t, filepath.Join(root, "other", "prices_9999.json")) // not a bucket dir
	require.NoError(t, os.WriteFile(filepath.Join(root, NoDataFile), []byte("4004\n\n  5005 \n"), 0o644))

	done, err := NewStore(router, nil).Scan()
	require.NoError(t, err)

	for _, id := range []string{"1001", "2002", "3003", "4004", "5005"} {
		assert.True(t, done.Has(id), id)
	}
	assert.False(t, done.Has("9999"))
	assert.Equal(t, 5, done.Len())
}

func TestScanAcceptsSeveralExtensionsAndIgnoresPartials(t *testing.T) {
	root := t.TempDir()
	router := shard.New(root, "trades", ".json.gz", 16)
	router.Accept = []string{".json.gz", ".json"}

	touch(t, filepath.Join(root, "trades_010", "trades_0x00a.json.gz"))
	touch(t, filepath.Join(root, "trades_011", "trades_0x00b.json"))
	touch(t, filepath.Join(root, "trades_012", "trades_0x00c.json.gz.partial"))
	touch(t, filepath.Join(root, "trades_misc", "trades_zz.json.gz"))

	done, err := NewStore(router, nil).Scan()
	require.NoError(t, err)

	assert.True(t, done.Has("0x00a"))
	assert.True(t, done.Has("0x00b"))
	assert.True(t, done.Has("zz"))
	assert.False(t, done.Has("0x00c"))
}

func TestMarkNoDataIsVisibleToNextScan(t *testing.T) {
	root := t.TempDir()
	store := NewStore(shard.New(root, "prices", ".json", 10), nil)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.MarkNoData("42"))
	require.NoError(t, store.MarkNoData("42"))
	require.Error(t, store.MarkNoData("  "))
	assert.ErrorIs(t, store.MarkNoData("1\n2"), shard.ErrInvalidID)

	done, err := store.Scan()
	require.NoError(t, err)
	assert.True(t, done.Has("42"))
	assert.Equal(t, 1, done.Len())
}

func TestMarkNoDataConcurrentWritesStayWholeLines(t *testing.T) {
	root := t.TempDir()
	store := NewStore(shard.New(root, "prices", ".json", 10), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.MarkNoData(fmt.Sprintf("%d000000000000000000%d", i, i)))
		}(i)
	}
	wg.Wait()
	require.NoError(t, store.Close())

	raw, err := os.ReadFile(store.MarkerPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	require.Len(t, lines, 50)
	for _, line := range lines {
		assert.Regexp(t, `^\d+000000000000000000\d+$`, line)
	}
}

func TestListingNextIndex(t *testing.T) {
	dir := t.TempDir()
	listing := NewListing(dir, "events", ".json")

	next, existing, err := listing.NextIndex()
	require.NoError(t, err)
	assert.Equal(t, 0, next)
	assert.Equal(t, 0, existing)

	touch(t, listing.Path(0))
	touch(t, listing.Path(1))
	touch(t, listing.Path(7))
	touch(t, filepath.Join(dir, "events_latest.json"))
	touch(t, filepath.Join(dir, "markets_0009.json"))

	next, existing, err = listing.NextIndex()
	require.NoError(t, err)
	assert.Equal(t, 8, next)
	assert.Equal(t, 3, existing)
	assert.Equal(t, filepath.Join(dir, "events_0008.json"), listing.Path(next))

	files, err := listing.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"events_0000.json", "events_0001.json", "events_0007.json"}, files)
}

package progress

import (
	"fmt"
	"os"
	"testing"

	"github.com/johnayoung/go-polymarket-ingest/internal/shard"
)

// BenchmarkScan measures building the done-set from a populated output root.
func BenchmarkScan(b *testing.B) {
	if testing.Short() {
		b.Skip("skipping benchmark in short mode")
	}

	const files = 20000
	router := shard.New(b.TempDir(), "prices", ".json", 10)
	for i := 0; i < files; i++ {
		path, err := router.Path(fmt.Sprint(1_000_000 + i))
		if err != nil {
			b.Fatalf("create bucket: %v", err)
		}
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			b.Fatalf("write %s: %v", path, err)
		}
	}
	store := NewStore(router, nil)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		done, err := store.Scan()
		if err != nil {
			b.Fatalf("Scan failed: %v", err)
		}
		if done.Len() != files {
			b.Fatalf("scanned %d ids, want %d", done.Len(), files)
		}
	}

	b.ReportMetric(float64(files)*float64(b.N)/b.Elapsed().Seconds(), "ids/sec")
}

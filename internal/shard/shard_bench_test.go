package shard

import (
	"fmt"
	"testing"
)

func BenchmarkBucket(b *testing.B) {
	decimal := New("", "prices", ".json", 10)
	hex := New("", "trades", ".json.gz", 16)
	tokens := make([]string, 1000)
	conditions := make([]string, 1000)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("217426331434639062905690501558262415330672727368976149504881568479499388%05d", i)
		conditions[i] = fmt.Sprintf("0x%064x", i*7919)
	}

	b.Run("decimal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			decimal.Bucket(tokens[i%len(tokens)])
		}
	})
	b.Run("hex", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			hex.Bucket(conditions[i%len(conditions)])
		}
	})
}

package benchmarks

import (
	"fmt"
	"testing"
)

// BenchmarkRead benchmarks reads on pre-populated databases. One read
// transaction is held for the whole timed loop.
// Run with: go test -bench=BenchmarkRead -run=^$ ./benchmarks/
//
// Databases are cached in testdata/benchdb/ to speed up subsequent runs.
// To clear the cache: rm -rf benchmarks/testdata/benchdb/
func BenchmarkRead(b *testing.B) {
	b.Cleanup(CleanupBenchCache)

	for _, size := range benchSizes() {
		for _, keyLen := range []int{8, 64} {
			name := fmt.Sprintf("%s_k%d", formatSize(size), keyLen)
			for _, e := range engines {
				b.Run(fmt.Sprintf("SeqScan_%s/%s", name, e.name), func(b *testing.B) {
					benchSeqScan(b, getCachedDB(b, e, size, keyLen))
				})
				b.Run(fmt.Sprintf("RandGet_%s/%s", name, e.name), func(b *testing.B) {
					benchRandGet(b, getCachedDB(b, e, size, keyLen), size, keyLen)
				})
				b.Run(fmt.Sprintf("RandSeek_%s/%s", name, e.name), func(b *testing.B) {
					benchRandSeek(b, getCachedDB(b, e, size, keyLen), size, keyLen)
				})
			}
		}
	}
}

// benchSeqScan reports the cost of visiting one pair, restarting the scan
// when it reaches the end.
func benchSeqScan(b *testing.B, s store) {
	err := s.view(func(r reader) error {
		b.ResetTimer()
		b.ReportAllocs()

		n := 0
		for n < b.N {
			err := r.scan(nil, func(k, v []byte) bool {
				n++
				return n < b.N
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
}

func benchRandGet(b *testing.B, s store, numKeys, keyLen int) {
	sample := sampleKeys(numKeys)
	key := make([]byte, keyLen)

	err := s.view(func(r reader) error {
		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			v, err := r.get(benchKey(key, sample[i%len(sample)], keyLen))
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("key %d missing", sample[i%len(sample)])
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
}

// benchRandSeek positions at a random key and reads the following 10 pairs.
func benchRandSeek(b *testing.B, s store, numKeys, keyLen int) {
	sample := sampleKeys(numKeys)
	key := make([]byte, keyLen)

	err := s.view(func(r reader) error {
		b.ResetTimer()
		b.ReportAllocs()

		for i := 0; i < b.N; i++ {
			left := 10
			err := r.scan(benchKey(key, sample[i%len(sample)], keyLen), func(k, v []byte) bool {
				left--
				return left > 0
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
}

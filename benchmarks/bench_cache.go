package benchmarks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// Cached benchmark database directory
const benchCacheDir = "testdata/benchdb"

// Pairs written per transaction while populating
const populateBatch = 100_000

// store is one engine under benchmark.
type store interface {
	// update runs fn in a single write transaction.
	update(fn func(w writer) error) error
	// view runs fn against a consistent snapshot.
	view(fn func(r reader) error) error
	close() error
}

type writer interface {
	put(key, val []byte) error
	del(key []byte) error
}

type reader interface {
	// get returns nil for an absent key.
	get(key []byte) ([]byte, error)
	// scan visits pairs from the first key at or after from until fn returns
	// false.
	scan(from []byte, fn func(k, v []byte) bool) error
}

// engine opens a store at path, creating it if needed.
type engine struct {
	name string
	open func(path string) (store, error)
}

// engines lists the stores compared by every benchmark. Engines that need
// cgo register themselves from build-tagged files.
var engines = []engine{
	{"cowdb", openCowdb},
	{"bolt", openBolt},
	{"pebble", openPebble},
}

var (
	cacheMu     sync.Mutex
	cachedDBs   = make(map[string]store)
	sampleCache = make(map[int][]int)
)

// benchKey encodes i as a key of keyLen bytes that sorts by i.
func benchKey(buf []byte, i, keyLen int) []byte {
	buf = buf[:keyLen]
	for j := range buf[:keyLen-8] {
		buf[j] = 'k'
	}
	binary.BigEndian.PutUint64(buf[keyLen-8:], uint64(i))
	return buf
}

func benchVal(buf []byte, i int) []byte {
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// benchSizes returns the database sizes to run; -short keeps the smallest.
func benchSizes() []int {
	if testing.Short() {
		return []int{10_000}
	}
	return []int{10_000, 100_000, 1_000_000}
}

// getCachedDB returns a database populated with numKeys keys of keyLen bytes
// and 32-byte values. Databases are kept on disk under testdata/benchdb and reused.
func getCachedDB(b *testing.B, e engine, numKeys, keyLen int) store {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	name := fmt.Sprintf("plain_%d_k%d_%s", numKeys, keyLen, e.name)
	if s, ok := cachedDBs[name]; ok {
		return s
	}

	if err := os.MkdirAll(benchCacheDir, 0o755); err != nil {
		b.Fatal(err)
	}
	path := filepath.Join(benchCacheDir, name)
	exists := fileExists(path)

	s, err := e.open(path)
	if err != nil {
		b.Fatalf("open %s: %v", e.name, err)
	}
	if !exists {
		b.Logf("Creating cached %s DB with %d keys...", e.name, numKeys)
		populate(b, s, 0, numKeys, keyLen)
	} else {
		b.Logf("Using cached %s DB with %d keys", e.name, numKeys)
	}
	cachedDBs[name] = s
	return s
}

// openTempDB opens an empty store in a per-benchmark directory.
func openTempDB(b *testing.B, e engine) store {
	s, err := e.open(filepath.Join(b.TempDir(), e.name))
	if err != nil {
		b.Fatalf("open %s: %v", e.name, err)
	}
	b.Cleanup(func() { s.close() })
	return s
}

// populate writes keys [from, to) in batches.
func populate(b *testing.B, s store, from, to, keyLen int) {
	key := make([]byte, keyLen)
	val := make([]byte, 32)
	for start := from; start < to; start += populateBatch {
		end := min(start+populateBatch, to)
		err := s.update(func(w writer) error {
			for i := start; i < end; i++ {
				if err := w.put(benchKey(key, i, keyLen), benchVal(val, i)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// sampleKeys returns a fixed pseudo-random sample of key indexes below
// numKeys.
func sampleKeys(numKeys int) []int {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := sampleCache[numKeys]; ok {
		return s
	}
	sample := make([]int, 10_000)
	x := uint64(0x9e3779b97f4a7c15)
	for i := range sample {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		sample[i] = int(x % uint64(numKeys))
	}
	sampleCache[numKeys] = sample
	return sample
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CleanupBenchCache closes all cached databases.
// Call this in TestMain or after benchmarks complete.
func CleanupBenchCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	for _, s := range cachedDBs {
		s.close()
	}
	cachedDBs = make(map[string]store)
	sampleCache = make(map[int][]int)
}

// DeleteBenchCache removes all cached database files.
func DeleteBenchCache() error {
	return os.RemoveAll(benchCacheDir)
}

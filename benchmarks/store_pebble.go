package benchmarks

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

type pebbleStore struct {
	db *pebble.DB
}

func openPebble(path string) (store, error) {
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:                64 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
	})
	if err != nil {
		return nil, err
	}
	return &pebbleStore{db: db}, nil
}

// update applies the writes as one batch. Sync is off like the other engines.
func (s *pebbleStore) update(fn func(w writer) error) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := fn(pebbleBatch{batch}); err != nil {
		return err
	}
	return batch.Commit(pebble.NoSync)
}

func (s *pebbleStore) view(fn func(r reader) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleSnapshot{snap})
}

func (s *pebbleStore) close() error {
	return s.db.Close()
}

type pebbleBatch struct {
	b *pebble.Batch
}

func (w pebbleBatch) put(key, val []byte) error { return w.b.Set(key, val, nil) }
func (w pebbleBatch) del(key []byte) error      { return w.b.Delete(key, nil) }

type pebbleSnapshot struct {
	s *pebble.Snapshot
}

func (r pebbleSnapshot) get(key []byte) ([]byte, error) {
	val, closer, err := r.s.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// val is only valid until closer.Close().
	out := append([]byte(nil), val...)
	closer.Close()
	return out, nil
}

func (r pebbleSnapshot) scan(from []byte, fn func(k, v []byte) bool) error {
	iter, err := r.s.NewIter(&pebble.IterOptions{LowerBound: from})
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return errors.Join(iter.Error(), iter.Close())
}

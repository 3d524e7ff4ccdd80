//go:build rocksdb

package benchmarks

import (
	"github.com/tecbot/gorocksdb"
)

func init() {
	engines = append(engines, engine{"rocksdb", openRocksDB})
}

type rocksStore struct {
	db *gorocksdb.DB
	wo *gorocksdb.WriteOptions
}

func openRocksDB(path string) (store, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetWriteBufferSize(64 * 1024 * 1024)
	opts.SetMaxWriteBufferNumber(3)
	opts.SetTargetFileSizeBase(64 * 1024 * 1024)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, err
	}
	wo := gorocksdb.NewDefaultWriteOptions()
	wo.DisableWAL(true) // the other engines don't sync either
	return &rocksStore{db: db, wo: wo}, nil
}

func (s *rocksStore) update(fn func(w writer) error) error {
	batch := gorocksdb.NewWriteBatch()
	defer batch.Destroy()
	if err := fn(rocksBatch{batch}); err != nil {
		return err
	}
	return s.db.Write(s.wo, batch)
}

func (s *rocksStore) view(fn func(r reader) error) error {
	snap := s.db.NewSnapshot()
	defer s.db.ReleaseSnapshot(snap)
	ro := gorocksdb.NewDefaultReadOptions()
	defer ro.Destroy()
	ro.SetSnapshot(snap)
	return fn(rocksSnapshot{s.db, ro})
}

func (s *rocksStore) close() error {
	s.wo.Destroy()
	s.db.Close()
	return nil
}

type rocksBatch struct {
	b *gorocksdb.WriteBatch
}

func (w rocksBatch) put(key, val []byte) error {
	w.b.Put(key, val)
	return nil
}

func (w rocksBatch) del(key []byte) error {
	w.b.Delete(key)
	return nil
}

type rocksSnapshot struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
}

func (r rocksSnapshot) get(key []byte) ([]byte, error) {
	return r.db.GetBytes(r.ro, key)
}

func (r rocksSnapshot) scan(from []byte, fn func(k, v []byte) bool) error {
	iter := r.db.NewIterator(r.ro)
	defer iter.Close()
	for iter.Seek(from); iter.Valid(); iter.Next() {
		k, v := iter.Key(), iter.Value()
		more := fn(k.Data(), v.Data())
		k.Free()
		v.Free()
		if !more {
			break
		}
	}
	return iter.Err()
}

package benchmarks

import (
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("bench")

type boltStore struct {
	db *bolt.DB
}

func openBolt(path string) (store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{
		NoSync:         true,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) update(fn func(w writer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(boltBucketRW{tx.Bucket(boltBucket)})
	})
}

func (s *boltStore) view(fn func(r reader) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(boltBucketRW{tx.Bucket(boltBucket)})
	})
}

func (s *boltStore) close() error {
	return s.db.Close()
}

type boltBucketRW struct {
	b *bolt.Bucket
}

func (r boltBucketRW) put(key, val []byte) error { return r.b.Put(key, val) }
func (r boltBucketRW) del(key []byte) error      { return r.b.Delete(key) }

func (r boltBucketRW) get(key []byte) ([]byte, error) {
	return r.b.Get(key), nil
}

func (r boltBucketRW) scan(from []byte, fn func(k, v []byte) bool) error {
	c := r.b.Cursor()
	for k, v := c.Seek(from); k != nil; k, v = c.Next() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

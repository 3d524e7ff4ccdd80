package benchmarks

import (
	"github.com/Giulio2002/cowdb"
)

type cowdbStore struct {
	env *cowdb.Env
}

func openCowdb(path string) (store, error) {
	env, err := cowdb.NewEnv()
	if err != nil {
		return nil, err
	}
	if err := env.SetMapSize(4 << 30); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.Open(path, cowdb.NoSync, 0o644); err != nil {
		env.Close()
		return nil, err
	}
	return &cowdbStore{env: env}, nil
}

func (s *cowdbStore) update(fn func(w writer) error) error {
	return s.env.Update(func(txn *cowdb.Txn) error {
		return fn(cowdbTxn{txn})
	})
}

func (s *cowdbStore) view(fn func(r reader) error) error {
	return s.env.View(func(txn *cowdb.Txn) error {
		return fn(cowdbTxn{txn})
	})
}

func (s *cowdbStore) close() error {
	s.env.Close()
	return nil
}

type cowdbTxn struct {
	txn *cowdb.Txn
}

func (t cowdbTxn) put(key, val []byte) error {
	return t.txn.Put(cowdb.MainDBI, key, val, 0)
}

func (t cowdbTxn) del(key []byte) error {
	_, err := t.txn.Delete(cowdb.MainDBI, key)
	return err
}

func (t cowdbTxn) get(key []byte) ([]byte, error) {
	v, _, err := t.txn.Lookup(cowdb.MainDBI, key)
	return v, err
}

func (t cowdbTxn) scan(from []byte, fn func(k, v []byte) bool) error {
	c, err := t.txn.OpenCursor(cowdb.MainDBI)
	if err != nil {
		return err
	}
	defer c.Close()
	k, v, err := c.Seek(from)
	for ; err == nil && k != nil; k, v, err = c.Next() {
		if !fn(k, v) {
			return nil
		}
	}
	return err
}

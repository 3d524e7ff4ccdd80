//go:build cgo

package benchmarks

import (
	"github.com/erigontech/mdbx-go/mdbx"
)

func init() {
	engines = append(engines, engine{"mdbx", openMdbx})
}

type mdbxStore struct {
	env *mdbx.Env
	dbi mdbx.DBI
}

func openMdbx(path string) (store, error) {
	env, err := mdbx.NewEnv(mdbx.Label("bench"))
	if err != nil {
		return nil, err
	}
	if err := env.SetOption(mdbx.OptMaxDB, 10); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.SetGeometry(-1, -1, 4<<30, -1, -1, 4096); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.Open(path, mdbx.NoSubdir|mdbx.NoMetaSync, 0o644); err != nil {
		env.Close()
		return nil, err
	}
	s := &mdbxStore{env: env}
	err = env.Update(func(txn *mdbx.Txn) error {
		s.dbi, err = txn.OpenDBI("bench", mdbx.Create, nil, nil)
		return err
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	return s, nil
}

func (s *mdbxStore) update(fn func(w writer) error) error {
	return s.env.Update(func(txn *mdbx.Txn) error {
		return fn(mdbxTxn{txn, s.dbi})
	})
}

func (s *mdbxStore) view(fn func(r reader) error) error {
	return s.env.View(func(txn *mdbx.Txn) error {
		return fn(mdbxTxn{txn, s.dbi})
	})
}

func (s *mdbxStore) close() error {
	s.env.Close()
	return nil
}

type mdbxTxn struct {
	txn *mdbx.Txn
	dbi mdbx.DBI
}

func (t mdbxTxn) put(key, val []byte) error {
	return t.txn.Put(t.dbi, key, val, 0)
}

func (t mdbxTxn) del(key []byte) error {
	err := t.txn.Del(t.dbi, key, nil)
	if mdbx.IsNotFound(err) {
		return nil
	}
	return err
}

func (t mdbxTxn) get(key []byte) ([]byte, error) {
	v, err := t.txn.Get(t.dbi, key)
	if mdbx.IsNotFound(err) {
		return nil, nil
	}
	return v, err
}

func (t mdbxTxn) scan(from []byte, fn func(k, v []byte) bool) error {
	c, err := t.txn.OpenCursor(t.dbi)
	if err != nil {
		return err
	}
	defer c.Close()

	op := uint(mdbx.SetRange)
	if len(from) == 0 {
		op = mdbx.First
	}
	for k, v, err := c.Get(from, nil, op); ; k, v, err = c.Get(nil, nil, mdbx.Next) {
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(k, v) {
			return nil
		}
	}
}

package cowdb

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
)

func TestNamedDatabasesPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	env := openTestEnv(t, path, NoSync)

	names := []string{"users", "orders", "audit"}
	mustUpdate(t, env, func(txn *Txn) error {
		for j, name := range names {
			dbi, err := txn.OpenDBI(name, Create)
			if err != nil {
				return err
			}
			for i := 0; i < 300*(j+1); i++ {
				if err := txn.Put(dbi, []byte(fmt.Sprintf("%s-%05d", name, i)), []byte(name), 0); err != nil {
					return err
				}
			}
		}
		return txn.Put(MainDBI, []byte("plain"), []byte("main"), 0)
	})
	env.Close()

	env = openTestEnv(t, path, NoSync)
	defer env.Close()
	err := env.View(func(txn *Txn) error {
		got, err := txn.ListDBs()
		if err != nil {
			return err
		}
		sort.Strings(got)
		if fmt.Sprint(got) != "[audit orders users]" {
			return fmt.Errorf("ListDBs = %v", got)
		}
		for j, name := range names {
			dbi, err := txn.OpenDBI(name, 0)
			if err != nil {
				return fmt.Errorf("OpenDBI(%q): %w", name, err)
			}
			st, err := txn.Stat(dbi)
			if err != nil {
				return err
			}
			if st.Entries != uint64(300*(j+1)) {
				return fmt.Errorf("%s: %d entries", name, st.Entries)
			}
			v, err := txn.Get(dbi, []byte(fmt.Sprintf("%s-%05d", name, 17)))
			if err != nil || string(v) != name {
				return fmt.Errorf("%s: %q %v", name, v, err)
			}
			// Keys of one database are invisible in another.
			if _, ok, _ := txn.Lookup(MainDBI, []byte(fmt.Sprintf("%s-%05d", name, 17))); ok {
				return fmt.Errorf("%s key visible in the main database", name)
			}
		}
		if _, err := txn.OpenDBI("missing", 0); !IsNotFound(err) {
			return fmt.Errorf("OpenDBI(missing): %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	info := mustCheck(t, env)
	if info.Databases != 3 || info.Entries != 300+600+900+1 {
		t.Fatalf("Check: %+v", info)
	}
}

func TestNamedDatabaseRecordsAreProtected(t *testing.T) {
	env, _ := newTestEnv(t)
	mustUpdate(t, env, func(txn *Txn) error {
		_, err := txn.OpenDBI("sub", Create)
		return err
	})
	mustUpdate(t, env, func(txn *Txn) error {
		if _, err := txn.Get(MainDBI, []byte("sub")); Code(err) != ErrIncompatible {
			return fmt.Errorf("Get of db record: %v", err)
		}
		if err := txn.Put(MainDBI, []byte("sub"), []byte("x"), 0); Code(err) != ErrIncompatible {
			return fmt.Errorf("Put over db record: %v", err)
		}
		if _, err := txn.Delete(MainDBI, []byte("sub")); Code(err) != ErrIncompatible {
			return fmt.Errorf("Delete of db record: %v", err)
		}
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		if k, _, err := c.SeekExact([]byte("sub")); err != nil || k == nil {
			return fmt.Errorf("SeekExact(sub): %q %v", k, err)
		}
		if err := c.Del(); Code(err) != ErrIncompatible {
			return fmt.Errorf("cursor Del of db record: %v", err)
		}
		return nil
	})
	mustCheck(t, env)
}

func TestOpenDBIInReadTxn(t *testing.T) {
	env, _ := newTestEnv(t)
	err := env.View(func(txn *Txn) error {
		if _, err := txn.OpenDBI("x", Create); Code(err) != ErrPermissionDenied {
			return fmt.Errorf("create in read txn: %v", err)
		}
		dbi, err := txn.OpenDBI("", 0)
		if err != nil || dbi != MainDBI {
			return fmt.Errorf("OpenDBI(\"\") = %d %v", dbi, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMaxDBs(t *testing.T) {
	env, _ := newTestEnv(t, func(e *Env) {
		if err := e.SetMaxDBs(2); err != nil {
			t.Fatal(err)
		}
	})
	mustUpdate(t, env, func(txn *Txn) error {
		for _, name := range []string{"a", "b"} {
			if _, err := txn.OpenDBI(name, Create); err != nil {
				return err
			}
		}
		if _, err := txn.OpenDBI("c", Create); Code(err) != ErrDBsFull {
			return fmt.Errorf("third database: %v", err)
		}
		// Reopening a known name does not count against the limit.
		_, err := txn.OpenDBI("a", 0)
		return err
	})
}

func TestDropDatabase(t *testing.T) {
	env, _ := newTestEnv(t)
	var dbi DBI
	mustUpdate(t, env, func(txn *Txn) error {
		var err error
		if dbi, err = txn.OpenDBI("tmp", Create); err != nil {
			return err
		}
		for i := 0; i < 3000; i++ {
			if err := txn.Put(dbi, []byte(fmt.Sprintf("k%05d", i)), make([]byte, 50), 0); err != nil {
				return err
			}
		}
		if err := txn.Put(dbi, []byte("huge"), make([]byte, 5*DefaultPageSize), 0); err != nil {
			return err
		}
		_, err = txn.Sequence(dbi, 7)
		return err
	})
	before := mustCheck(t, env)

	// Emptying keeps the database and its sequence.
	mustUpdate(t, env, func(txn *Txn) error {
		return txn.Drop(dbi, false)
	})
	mustUpdate(t, env, func(txn *Txn) error {
		st, err := txn.Stat(dbi)
		if err != nil {
			return err
		}
		if st.Entries != 0 || st.Depth != 0 || st.OverflowPages != 0 {
			return fmt.Errorf("dropped db stat %+v", st)
		}
		if st.Sequence != 7 {
			return fmt.Errorf("sequence %d after Drop, want 7", st.Sequence)
		}
		return txn.Put(dbi, []byte("again"), []byte("1"), 0)
	})
	after := mustCheck(t, env)
	if after.FreePages <= before.FreePages {
		t.Errorf("Drop did not release pages: free %d -> %d", before.FreePages, after.FreePages)
	}

	// Deleting removes the record.
	mustUpdate(t, env, func(txn *Txn) error {
		if err := txn.Drop(dbi, true); err != nil {
			return err
		}
		if err := txn.Put(dbi, []byte("k"), []byte("v"), 0); Code(err) != ErrBadDBI {
			return fmt.Errorf("Put to deleted db: %v", err)
		}
		if _, err := txn.OpenDBI("tmp", 0); !IsNotFound(err) {
			return fmt.Errorf("OpenDBI of deleted db: %v", err)
		}
		return nil
	})
	err := env.View(func(txn *Txn) error {
		names, err := txn.ListDBs()
		if err != nil {
			return err
		}
		if len(names) != 0 {
			return fmt.Errorf("ListDBs after delete = %v", names)
		}
		if _, err := txn.Get(dbi, []byte("again")); Code(err) != ErrBadDBI {
			return fmt.Errorf("Get on deleted db: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if info := mustCheck(t, env); info.Databases != 0 {
		t.Fatalf("Databases = %d after delete", info.Databases)
	}

	// The same name can be created again.
	mustUpdate(t, env, func(txn *Txn) error {
		again, err := txn.OpenDBI("tmp", Create)
		if err != nil {
			return err
		}
		if again != dbi {
			return fmt.Errorf("handle changed: %d != %d", again, dbi)
		}
		st, err := txn.Stat(again)
		if err != nil {
			return err
		}
		if st.Entries != 0 {
			return fmt.Errorf("re-created db has %d entries", st.Entries)
		}
		return nil
	})
	mustCheck(t, env)

	mustUpdate(t, env, func(txn *Txn) error {
		if err := txn.Drop(MainDBI, false); Code(err) != ErrIncompatible {
			return fmt.Errorf("Drop(MainDBI): %v", err)
		}
		return nil
	})
}

func TestSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	env := openTestEnv(t, path, NoSync)
	mustUpdate(t, env, func(txn *Txn) error {
		dbi, err := txn.OpenDBI("seq", Create)
		if err != nil {
			return err
		}
		for want := uint64(0); want < 30; want += 10 {
			got, err := txn.Sequence(dbi, 10)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("Sequence = %d, want %d", got, want)
			}
		}
		_, err = txn.Sequence(MainDBI, 3)
		return err
	})
	env.Close()

	env = openTestEnv(t, path, NoSync)
	defer env.Close()
	err := env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBI("seq", 0)
		if err != nil {
			return err
		}
		if got, err := txn.Sequence(dbi, 0); err != nil || got != 30 {
			return fmt.Errorf("named sequence after reopen = %d %v", got, err)
		}
		if got, err := txn.Sequence(MainDBI, 0); err != nil || got != 3 {
			return fmt.Errorf("main sequence after reopen = %d %v", got, err)
		}
		if _, err := txn.Sequence(dbi, 1); Code(err) != ErrPermissionDenied {
			return fmt.Errorf("increment in read txn: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDBIFlags(t *testing.T) {
	env, _ := newTestEnv(t)
	mustUpdate(t, env, func(txn *Txn) error {
		dbi, err := txn.OpenDBI("f", Create)
		if err != nil {
			return err
		}
		flags, err := txn.DBIFlags(dbi)
		if err != nil {
			return err
		}
		if flags&Create != 0 {
			return fmt.Errorf("Create stored in db flags: %#x", flags)
		}
		return nil
	})
}

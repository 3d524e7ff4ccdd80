package cowdb

import (
	"bytes"
	"fmt"
	"testing"
)

func collectKeys(t *testing.T, c *Cursor) []string {
	t.Helper()
	var keys []string
	k, _, err := c.First()
	for ; err == nil && k != nil; k, _, err = c.Next() {
		keys = append(keys, string(k))
	}
	if err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	return keys
}

func TestCursorOrderAndSeek(t *testing.T) {
	env, _ := newTestEnv(t)
	mustUpdate(t, env, func(txn *Txn) error {
		for _, k := range []string{"key2", "key0", "key3", "key1"} {
			if err := txn.Put(MainDBI, []byte(k), []byte("v"+k[3:]), 0); err != nil {
				return err
			}
		}
		return nil
	})

	txn, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Abort()
	c, err := txn.OpenCursor(MainDBI)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got := collectKeys(t, c)
	want := []string{"key0", "key1", "key2", "key3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("iteration order %v, want %v", got, want)
	}
	if !c.EOF() {
		t.Error("cursor not at EOF after the last key")
	}

	tests := []struct {
		seek string
		key  string // "" when nothing qualifies
	}{
		{"key1", "key1"},
		{"key", "key0"},
		{"key15", "key2"},
		{"key3", "key3"},
		{"key4", ""},
	}
	for _, tt := range tests {
		k, v, err := c.Seek([]byte(tt.seek))
		if err != nil {
			t.Fatalf("Seek(%q): %v", tt.seek, err)
		}
		if string(k) != tt.key {
			t.Errorf("Seek(%q) = %q, want %q", tt.seek, k, tt.key)
		}
		if k != nil && string(v) != "v"+tt.key[3:] {
			t.Errorf("Seek(%q) value %q", tt.seek, v)
		}
	}

	// Seek then walk forward.
	k, _, _ := c.Seek([]byte("key1"))
	var rest []string
	for ; k != nil; k, _, err = c.Next() {
		if err != nil {
			t.Fatal(err)
		}
		rest = append(rest, string(k))
	}
	if fmt.Sprint(rest) != "[key1 key2 key3]" {
		t.Errorf("walk from key1: %v", rest)
	}

	if k, _, _ := c.SeekExact([]byte("key15")); k != nil {
		t.Errorf("SeekExact of a missing key returned %q", k)
	}
	if k, _, _ := c.SeekExact([]byte("key2")); string(k) != "key2" {
		t.Errorf("SeekExact(key2) = %q", k)
	}
	if k, _, _ := c.Current(); string(k) != "key2" {
		t.Errorf("Current = %q", k)
	}
	if n, err := c.Count(); err != nil || n != 4 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestCursorReverse(t *testing.T) {
	env, _ := newTestEnv(t)
	putKeys(t, env, MainDBI, 1500, func(int) []byte { return []byte("v") })

	err := env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		i := 1499
		k, _, err := c.Last()
		for ; err == nil && k != nil; k, _, err = c.Prev() {
			if want := fmt.Sprintf("key%06d", i); string(k) != want {
				return fmt.Errorf("Prev: got %q, want %q", k, want)
			}
			i--
		}
		if err != nil {
			return err
		}
		if i != -1 {
			return fmt.Errorf("reverse walk stopped at %d", i)
		}

		// Prev from a position past the end lands on the last key.
		c.Last()
		if k, _, _ := c.Next(); k != nil {
			return fmt.Errorf("Next after Last = %q", k)
		}
		if k, _, _ := c.Prev(); string(k) != "key001499" {
			return fmt.Errorf("Prev after EOF = %q", k)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCursorGetOps(t *testing.T) {
	env, _ := newTestEnv(t)
	err := env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		if _, _, err := c.Get(nil, nil, First); !IsNotFound(err) {
			return fmt.Errorf("First on empty db: %v", err)
		}
		if k, v, err := c.First(); k != nil || v != nil || err != nil {
			return fmt.Errorf("First on empty db: %q %q %v", k, v, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	putKeys(t, env, MainDBI, 10, func(i int) []byte { return []byte(fmt.Sprint(i)) })
	err = env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		k, v, err := c.Get([]byte("key000004"), nil, Set)
		if err != nil || k != nil || string(v) != "4" {
			return fmt.Errorf("Set: %q %q %v", k, v, err)
		}
		k, _, err = c.Get(nil, nil, Next)
		if err != nil || string(k) != "key000005" {
			return fmt.Errorf("Next after Set: %q %v", k, err)
		}
		k, _, err = c.Get([]byte("key0000045"), nil, SetRange)
		if err != nil || string(k) != "key000005" {
			return fmt.Errorf("SetRange: %q %v", k, err)
		}
		if _, _, err := c.Get([]byte("zzz"), nil, SetKey); !IsNotFound(err) {
			return fmt.Errorf("SetKey missing: %v", err)
		}
		k, _, err = c.Get(nil, nil, Last)
		if err != nil || string(k) != "key000009" {
			return fmt.Errorf("Last: %q %v", k, err)
		}
		if _, _, err := c.Get(nil, nil, Next); !IsNotFound(err) {
			return fmt.Errorf("Next past end: %v", err)
		}
		if _, _, err := c.Get(nil, nil, CursorOp(99)); Code(err) != ErrInvalid {
			return fmt.Errorf("unknown op: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCursorAfterTxnEnd(t *testing.T) {
	env, _ := newTestEnv(t)
	putKeys(t, env, MainDBI, 3, func(int) []byte { return []byte("v") })

	txn, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	c, err := txn.OpenCursor(MainDBI)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.First(); err != nil {
		t.Fatal(err)
	}
	txn.Abort()

	if _, _, err := c.Next(); Code(err) != ErrBadTxn {
		t.Fatalf("Next after Abort: got %v, want ErrBadTxn", err)
	}
	c.Close()

	txn2, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer txn2.Abort()
	if err := c.Renew(txn2); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if k, _, err := c.First(); err != nil || string(k) != "key000000" {
		t.Fatalf("First after Renew: %q %v", k, err)
	}
}

func TestCursorDeleteWhileIterating(t *testing.T) {
	env, _ := newTestEnv(t)
	putKeys(t, env, MainDBI, 3000, func(i int) []byte { return bytes.Repeat([]byte{byte(i)}, 40) })

	mustUpdate(t, env, func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		i := 0
		k, _, err := c.First()
		for ; err == nil && k != nil; k, _, err = c.Next() {
			if want := fmt.Sprintf("key%06d", i); string(k) != want {
				return fmt.Errorf("got %q, want %q", k, want)
			}
			if i%3 != 0 {
				if err := c.Del(); err != nil {
					return fmt.Errorf("Del %q: %w", k, err)
				}
			}
			i++
		}
		if err != nil {
			return err
		}
		if i != 3000 {
			return fmt.Errorf("visited %d keys", i)
		}
		// The cursor sits past the end; there is nothing to delete.
		if err := c.Del(); !IsNotFound(err) {
			return fmt.Errorf("Del at EOF: %v", err)
		}
		return nil
	})

	info := mustCheck(t, env)
	if info.Entries != 1000 {
		t.Fatalf("Entries = %d, want 1000", info.Entries)
	}
	err := env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		keys := collectKeys(t, c)
		for j, k := range keys {
			if want := fmt.Sprintf("key%06d", 3*j); k != want {
				return fmt.Errorf("entry %d = %q, want %q", j, k, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCursorDeleteAll(t *testing.T) {
	env, _ := newTestEnv(t)
	putKeys(t, env, MainDBI, 2000, func(int) []byte { return make([]byte, 64) })

	mustUpdate(t, env, func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		k, _, err := c.First()
		for ; err == nil && k != nil; k, _, err = c.Next() {
			if err := c.Del(); err != nil {
				return err
			}
		}
		return err
	})
	mustCheck(t, env)
	st, err := env.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 0 || st.Depth != 0 || st.LeafPages != 0 || st.BranchPages != 0 {
		t.Fatalf("tree not emptied: %+v", st)
	}
}

func TestCursorSeesOwnWrites(t *testing.T) {
	env, _ := newTestEnv(t)
	putKeys(t, env, MainDBI, 5, func(int) []byte { return []byte("v") })

	mustUpdate(t, env, func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		if k, _, err := c.SeekExact([]byte("key000002")); err != nil || k == nil {
			return fmt.Errorf("SeekExact: %q %v", k, err)
		}
		// Writes through the transaction move the cursor's pages.
		if err := txn.Put(MainDBI, []byte("key0000025"), []byte("new"), 0); err != nil {
			return err
		}
		if err := txn.Put(MainDBI, []byte("key000002"), []byte("changed"), 0); err != nil {
			return err
		}
		k, v, err := c.Current()
		if err != nil || string(k) != "key000002" || string(v) != "changed" {
			return fmt.Errorf("Current: %q %q %v", k, v, err)
		}
		k, v, err = c.Next()
		if err != nil || string(k) != "key0000025" || string(v) != "new" {
			return fmt.Errorf("Next: %q %q %v", k, v, err)
		}
		if err := c.Put([]byte("key000009"), []byte("cursor"), 0); err != nil {
			return err
		}
		if k, _, _ := c.Current(); string(k) != "key000009" {
			return fmt.Errorf("Current after cursor Put = %q", k)
		}
		return nil
	})
}

func TestCustomCompare(t *testing.T) {
	env, _ := newTestEnv(t)
	reverse := func(a, b []byte) int { return bytes.Compare(b, a) }

	mustUpdate(t, env, func(txn *Txn) error {
		dbi, err := txn.OpenDBI("rev", Create)
		if err != nil {
			return err
		}
		if err := txn.SetCompare(dbi, reverse); err != nil {
			return err
		}
		for i := 0; i < 500; i++ {
			if err := txn.Put(dbi, []byte(fmt.Sprintf("%04d", i)), nil, 0); err != nil {
				return err
			}
		}
		return nil
	})

	err := env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBI("rev", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		keys := collectKeys(t, c)
		if len(keys) != 500 || keys[0] != "0499" || keys[499] != "0000" {
			return fmt.Errorf("reverse order broken: first %v last %v", keys[:1], keys[len(keys)-1:])
		}
		k, _, err := c.Seek([]byte("0250x"))
		if err != nil || string(k) != "0250" {
			return fmt.Errorf("Seek in reverse order = %q %v", k, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	mustCheck(t, env)
}

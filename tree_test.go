package cowdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

func TestPageSplitStress(t *testing.T) {
	tests := []struct {
		name  string
		order func(n int) []int
	}{
		{"sequential", func(n int) []int {
			out := make([]int, n)
			for i := range out {
				out[i] = i
			}
			return out
		}},
		{"reverse", func(n int) []int {
			out := make([]int, n)
			for i := range out {
				out[i] = n - 1 - i
			}
			return out
		}},
		{"random", func(n int) []int { return rand.New(rand.NewSource(1)).Perm(n) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := newTestEnv(t)
			const n = 20000
			order := tt.order(n)

			key := make([]byte, 8)
			mustUpdate(t, env, func(txn *Txn) error {
				for _, i := range order {
					binary.BigEndian.PutUint64(key, uint64(i))
					if err := txn.Put(MainDBI, key, []byte(fmt.Sprintf("value-%d", i)), 0); err != nil {
						return fmt.Errorf("put %d: %w", i, err)
					}
				}
				return nil
			})
			info := mustCheck(t, env)
			if info.Entries != n {
				t.Fatalf("Entries = %d, want %d", info.Entries, n)
			}
			st, err := env.Stat()
			if err != nil {
				t.Fatal(err)
			}
			if st.Depth < 2 || st.BranchPages == 0 {
				t.Fatalf("expected a multi-level tree, got %+v", st)
			}

			// Delete in the same order in two phases; the tree must stay
			// consistent in between.
			for phase, part := range [][]int{order[:n/2], order[n/2:]} {
				mustUpdate(t, env, func(txn *Txn) error {
					for _, i := range part {
						binary.BigEndian.PutUint64(key, uint64(i))
						if err := txn.Del(MainDBI, key, nil); err != nil {
							return fmt.Errorf("del %d: %w", i, err)
						}
					}
					return nil
				})
				info := mustCheck(t, env)
				if want := uint64(n - (phase+1)*n/2); info.Entries != want {
					t.Fatalf("phase %d: Entries = %d, want %d", phase, info.Entries, want)
				}
			}
			st, err = env.Stat()
			if err != nil {
				t.Fatal(err)
			}
			if st.Depth != 0 || st.LeafPages != 0 || st.BranchPages != 0 {
				t.Fatalf("empty tree keeps pages: %+v", st)
			}
		})
	}
}

// TestRandomOpsAgainstMap runs random puts and deletes over several
// transactions and compares the database with a map after each commit.
func TestRandomOpsAgainstMap(t *testing.T) {
	env, _ := newTestEnv(t)
	rng := rand.New(rand.NewSource(42))
	model := map[string][]byte{}

	for round := 0; round < 20; round++ {
		mustUpdate(t, env, func(txn *Txn) error {
			for op := 0; op < 1000; op++ {
				k := fmt.Sprintf("k%05d", rng.Intn(4000))
				if rng.Intn(3) == 0 {
					existed, err := txn.Delete(MainDBI, []byte(k))
					if err != nil {
						return err
					}
					if _, ok := model[k]; ok != existed {
						return fmt.Errorf("delete %s: existed=%v, model says %v", k, existed, ok)
					}
					delete(model, k)
					continue
				}
				v := make([]byte, rng.Intn(600))
				rng.Read(v)
				if err := txn.Put(MainDBI, []byte(k), v, 0); err != nil {
					return err
				}
				model[k] = v
			}
			return nil
		})

		info := mustCheck(t, env)
		if info.Entries != uint64(len(model)) {
			t.Fatalf("round %d: Entries = %d, model has %d", round, info.Entries, len(model))
		}
	}

	keys := make([]string, 0, len(model))
	for k := range model {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err := env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		i := 0
		k, v, err := c.First()
		for ; err == nil && k != nil; k, v, err = c.Next() {
			if i >= len(keys) || string(k) != keys[i] {
				return fmt.Errorf("entry %d: got %q", i, k)
			}
			if !bytes.Equal(v, model[keys[i]]) {
				return fmt.Errorf("value of %q differs", k)
			}
			i++
		}
		if err != nil {
			return err
		}
		if i != len(keys) {
			return fmt.Errorf("cursor saw %d entries, model has %d", i, len(keys))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLargeValues(t *testing.T) {
	env, _ := newTestEnv(t)
	ps := env.PageSize()
	sizes := []int{
		maxNodeSize(ps) - nodeHeaderSize - 4, // fits inline with a 4-byte key
		maxNodeSize(ps),
		ps,
		3*ps + 17,
		1 << 20,
	}
	val := func(size, seed int) []byte {
		b := make([]byte, size)
		rand.New(rand.NewSource(int64(seed))).Read(b)
		return b
	}

	mustUpdate(t, env, func(txn *Txn) error {
		for i, size := range sizes {
			if err := txn.Put(MainDBI, []byte(fmt.Sprintf("k%03d", i)), val(size, i), 0); err != nil {
				return fmt.Errorf("size %d: %w", size, err)
			}
		}
		return nil
	})
	info := mustCheck(t, env)
	if info.LargePages == 0 {
		t.Fatal("no large pages used")
	}
	st, err := env.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if st.OverflowPages != info.LargePages {
		t.Errorf("OverflowPages = %d, Check counted %d", st.OverflowPages, info.LargePages)
	}

	check := func(shrunk bool) {
		t.Helper()
		err := env.View(func(txn *Txn) error {
			for i, size := range sizes {
				if shrunk && i == len(sizes)-1 {
					size = 10
				}
				v, err := txn.Get(MainDBI, []byte(fmt.Sprintf("k%03d", i)))
				if err != nil {
					return err
				}
				if !bytes.Equal(v, val(size, i)) {
					return fmt.Errorf("value %d (%d bytes) differs", i, size)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	check(false)

	// Replacing a large value with a small one releases its run.
	mustUpdate(t, env, func(txn *Txn) error {
		return txn.Put(MainDBI, []byte(fmt.Sprintf("k%03d", len(sizes)-1)), val(10, len(sizes)-1), 0)
	})
	check(true)
	after := mustCheck(t, env)
	if after.LargePages >= info.LargePages {
		t.Errorf("large pages %d -> %d after shrinking", info.LargePages, after.LargePages)
	}

	// Rewriting a staged large value in place keeps the run.
	mustUpdate(t, env, func(txn *Txn) error {
		for i := 0; i < 3; i++ {
			if err := txn.Put(MainDBI, []byte("big"), val(5*ps, i), 0); err != nil {
				return err
			}
		}
		return nil
	})
	mustCheck(t, env)

	mustUpdate(t, env, func(txn *Txn) error {
		for i := range sizes {
			if err := txn.Del(MainDBI, []byte(fmt.Sprintf("k%03d", i)), nil); err != nil {
				return err
			}
		}
		return txn.Del(MainDBI, []byte("big"), nil)
	})
	if info := mustCheck(t, env); info.LargePages != 0 || info.Entries != 0 {
		t.Fatalf("large runs left after deleting everything: %+v", info)
	}
	if st, err := env.Stat(); err != nil || st.OverflowPages != 0 {
		t.Fatalf("main database after deleting everything: %+v %v", st, err)
	}
}

func TestValueTooLarge(t *testing.T) {
	env, _ := newTestEnv(t)
	txn, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Abort()
	if err := txn.Put(MainDBI, []byte("k"), make([]byte, env.MaxValSize()+1), 0); Code(err) != ErrBadValSize {
		t.Fatalf("oversized value: got %v, want ErrBadValSize", err)
	}
}

func TestMapFull(t *testing.T) {
	env, _ := newTestEnv(t, func(e *Env) {
		if err := e.SetMapSize(64 * DefaultPageSize); err != nil {
			t.Fatal(err)
		}
	})
	putKeys(t, env, MainDBI, 10, func(int) []byte { return []byte("small") })

	txn, err := env.BeginTxn(nil, TxnReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	var putErr error
	for i := 0; i < 1000 && putErr == nil; i++ {
		putErr = txn.Put(MainDBI, []byte(fmt.Sprintf("big%04d", i)), make([]byte, 1000), 0)
	}
	if !IsMapFull(putErr) {
		txn.Abort()
		t.Fatalf("filling the map: got %v, want ErrMapFull", putErr)
	}
	// The failed transaction can only be aborted.
	if err := txn.Put(MainDBI, []byte("x"), []byte("y"), 0); Code(err) != ErrBadTxn {
		t.Errorf("Put after failure: got %v, want ErrBadTxn", err)
	}
	if _, err := txn.Commit(); Code(err) != ErrBadTxn {
		t.Errorf("Commit after failure: got %v, want ErrBadTxn", err)
	}

	// The environment is still usable and holds the old data.
	mustUpdate(t, env, func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("after"), []byte("ok"), 0)
	})
	info := mustCheck(t, env)
	if info.Entries != 11 {
		t.Fatalf("Entries = %d, want 11", info.Entries)
	}
}

func TestLongKeysSplit(t *testing.T) {
	env, _ := newTestEnv(t)
	maxKey := env.MaxKeySize()
	mustUpdate(t, env, func(txn *Txn) error {
		for i := 0; i < 400; i++ {
			k := bytes.Repeat([]byte{'a' + byte(i%26)}, maxKey)
			binary.BigEndian.PutUint32(k[maxKey-4:], uint32(i))
			if err := txn.Put(MainDBI, k, []byte{byte(i)}, 0); err != nil {
				return err
			}
		}
		return nil
	})
	mustCheck(t, env)
	mustUpdate(t, env, func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		n := 0
		k, _, err := c.First()
		for ; err == nil && k != nil; k, _, err = c.Next() {
			if n%2 == 0 {
				if err := c.Del(); err != nil {
					return err
				}
			}
			n++
		}
		return err
	})
	if info := mustCheck(t, env); info.Entries != 200 {
		t.Fatalf("Entries = %d, want 200", info.Entries)
	}
}

func TestSplitPoint(t *testing.T) {
	nodes := [][]byte{
		make([]byte, 10), make([]byte, 10), make([]byte, 500), make([]byte, 10),
	}
	if got := splitPoint(nodes); got < 1 || got >= len(nodes) {
		t.Fatalf("splitPoint = %d, must leave both halves non-empty", got)
	}
	two := [][]byte{make([]byte, 900), make([]byte, 900)}
	if got := splitPoint(two); got != 1 {
		t.Fatalf("splitPoint of two nodes = %d, want 1", got)
	}
}

package cowdb

import (
	"fmt"
	"testing"
)

func rewriteAll(t *testing.T, env *Env, n, round int) {
	t.Helper()
	putKeys(t, env, MainDBI, n, func(i int) []byte { return []byte(fmt.Sprintf("round%03d-%06d", round, i)) })
}

func TestFreelistSafetyWithReader(t *testing.T) {
	env, _ := newTestEnv(t)
	const n = 2000
	rewriteAll(t, env, n, 0)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Abort()

	for round := 1; round <= 10; round++ {
		rewriteAll(t, env, n, round)

		// Every page of the reader's snapshot is still intact.
		if _, err := reader.Check(); err != nil {
			t.Fatalf("round %d: reader snapshot damaged: %v", round, err)
		}
		for _, i := range []int{0, n / 2, n - 1} {
			v, err := reader.Get(MainDBI, []byte(fmt.Sprintf("key%06d", i)))
			if err != nil {
				t.Fatal(err)
			}
			if want := fmt.Sprintf("round000-%06d", i); string(v) != want {
				t.Fatalf("round %d: reader sees %q, want %q", round, v, want)
			}
		}
	}
	mustCheck(t, env)
}

func TestFreelistReuseBoundsGrowth(t *testing.T) {
	env, _ := newTestEnv(t)
	const n = 2000
	var early uint64
	for round := 0; round < 30; round++ {
		rewriteAll(t, env, n, round)
		info := mustCheck(t, env)
		if round == 5 {
			early = info.TotalPages
		}
		if round > 5 && info.TotalPages > 2*early {
			t.Fatalf("round %d: file grew to %d pages (%d at round 5); freed pages are not reused",
				round, info.TotalPages, early)
		}
	}
}

// Without readers every commit reuses the pages freed by the one before, so
// a steady rewrite workload keeps the file at a fixed size.
func TestFreelistSteadyStateWithoutReaders(t *testing.T) {
	env, _ := newTestEnv(t)
	const n = 1000
	rounds := 200
	if testing.Short() {
		rounds = 60
	}
	var settled *CheckInfo
	for round := 0; round < rounds; round++ {
		rewriteAll(t, env, n, round)
		if round == 20 {
			settled = mustCheck(t, env)
		}
	}
	last := mustCheck(t, env)
	if last.TotalPages > settled.TotalPages+4 {
		t.Fatalf("file grew from %d to %d pages (%d free) with no readers",
			settled.TotalPages, last.TotalPages, last.FreePages)
	}
	if last.FreePages > settled.FreePages+4 {
		t.Fatalf("free pages grew from %d to %d with no readers", settled.FreePages, last.FreePages)
	}
}

func TestFreelistHeldBackThenReleased(t *testing.T) {
	env, _ := newTestEnv(t)
	const n = 1000
	rewriteAll(t, env, n, 0)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	for round := 1; round <= 5; round++ {
		rewriteAll(t, env, n, round)
	}

	// Records newer than the reader's snapshot cannot have been consumed.
	var held int
	err = env.View(func(txn *Txn) error {
		return txn.ForEachFree(func(id uint64, pages []uint32) error {
			if id > reader.ID() {
				held++
			}
			if len(pages) == 0 {
				return fmt.Errorf("empty free-list record %d", id)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if held == 0 {
		t.Fatal("no free-list records held back by the reader")
	}
	reader.Abort()

	grown := mustCheck(t, env)
	for round := 6; round <= 12; round++ {
		rewriteAll(t, env, n, round)
	}
	after := mustCheck(t, env)
	if after.TotalPages > grown.TotalPages {
		t.Fatalf("file kept growing after the reader ended: %d -> %d pages", grown.TotalPages, after.TotalPages)
	}
}

func TestFreePagesAccounting(t *testing.T) {
	env, _ := newTestEnv(t)
	for round := 0; round < 4; round++ {
		rewriteAll(t, env, 500, round)
	}
	info := mustCheck(t, env)

	envInfo, err := env.Info()
	if err != nil {
		t.Fatal(err)
	}
	if envInfo.FreePages != info.FreePages {
		t.Fatalf("Info.FreePages = %d, Check counted %d", envInfo.FreePages, info.FreePages)
	}
	used := numMetas + info.TreePages + info.LargePages + info.GCPages + info.FreePages
	if used != info.TotalPages {
		t.Fatalf("pages: %d metas+trees+free list+free, %d total", used, info.TotalPages)
	}
	if envInfo.LastPgNo+1 != info.TotalPages {
		t.Fatalf("LastPgNo = %d, total pages %d", envInfo.LastPgNo, info.TotalPages)
	}
}

func TestFreelistEncoding(t *testing.T) {
	pgnos := []pgno{2, 3, 10, 4000}
	got, err := decodePgnos(encodePgnos(pgnos), 5000)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got) != fmt.Sprint(pgnos) {
		t.Fatalf("decoded %v, want %v", got, pgnos)
	}
	if _, err := decodePgnos(encodePgnos(pgnos), 4000); !IsCorrupted(err) {
		t.Fatalf("page past the limit: got %v", err)
	}
	if _, err := decodePgnos([]byte{1, 2, 3}, 10); !IsCorrupted(err) {
		t.Fatalf("truncated record: got %v", err)
	}
}

func TestTakeReclaimedRuns(t *testing.T) {
	txn := &Txn{reclaimed: []pgno{20, 12, 11, 10, 7, 5}}
	pn, ok := txn.takeReclaimed(3)
	if !ok || pn != 10 {
		t.Fatalf("run of 3 = %d %v, want 10", pn, ok)
	}
	if fmt.Sprint(txn.reclaimed) != "[20 7 5]" {
		t.Fatalf("left %v", txn.reclaimed)
	}
	if _, ok := txn.takeReclaimed(2); ok {
		t.Fatal("found a run of 2 in [20 7 5]")
	}
	if pn, ok := txn.takeReclaimed(1); !ok || pn != 5 {
		t.Fatalf("single page = %d %v, want 5", pn, ok)
	}
}

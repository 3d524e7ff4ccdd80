// Package cowdb is an embedded transactional key-value store built on a
// memory-mapped copy-on-write B+tree.
//
// A database is one data file plus a lock file. The data file starts with
// two meta pages; a commit writes its new pages first and then overwrites
// the older meta, so a crash at any point leaves the last committed
// snapshot intact. Pages released by a commit are recorded in a free-list
// tree and reused once no reader can still see them.
//
// Key features:
//   - MVCC: read transactions see a fixed snapshot and never block
//   - Single writer, multiple readers, across goroutines and processes
//   - Zero-copy reads straight from the shared mapping
//   - Named databases, cursors and values up to 1 GiB
//   - Integrity check and online snapshot copy
//
// Basic usage:
//
//	env, err := cowdb.NewEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := env.Open("/path/to/db", cowdb.Default, 0o644); err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	err = env.Update(func(txn *cowdb.Txn) error {
//	    return txn.Put(cowdb.MainDBI, []byte("key"), []byte("value"), 0)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = env.View(func(txn *cowdb.Txn) error {
//	    val, err := txn.Get(cowdb.MainDBI, []byte("key"))
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("%s\n", val)
//	    return nil
//	})
//
// Slices returned by Get and by cursors point into the mapping and are
// valid only until the transaction ends.
package cowdb

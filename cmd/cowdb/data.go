package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/Giulio2002/cowdb"
)

// KeyFlags select the database and the encoding of keys and values on the
// command line.
type KeyFlags struct {
	DB  string `name:"db" short:"d" help:"Named database (default: main database)"`
	Hex bool   `name:"hex" short:"x" help:"Keys and values are hex encoded"`
}

func (k KeyFlags) decode(s string) ([]byte, error) {
	if !k.Hex {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

func (k KeyFlags) encode(b []byte) string {
	if k.Hex {
		return hex.EncodeToString(b)
	}
	return string(b)
}

func (k KeyFlags) open(txn *cowdb.Txn, create bool) (cowdb.DBI, error) {
	var flags uint
	if create {
		flags = cowdb.Create
	}
	dbi, err := txn.OpenDBI(k.DB, flags)
	if err != nil {
		return 0, fmt.Errorf("failed to open database %q: %w", k.DB, err)
	}
	return dbi, nil
}

// StatCmd shows environment and database statistics.
type StatCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
	All  bool   `name:"all" short:"a" help:"Also show every named database"`
}

func (c *StatCmd) Run(rc *runContext) error {
	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	info, err := env.Info()
	if err != nil {
		return err
	}
	rc.printf("Environment: %s\n", info.ID)
	rc.printf("  Page size:    %s\n", humanize.IBytes(uint64(info.PageSize)))
	rc.printf("  Map size:     %s\n", humanize.IBytes(uint64(info.MapSize)))
	rc.printf("  File size:    %s\n", humanize.IBytes(uint64(info.FileSize)))
	rc.printf("  Last page:    %d\n", info.LastPgNo)
	rc.printf("  Last txn:     %d\n", info.LastTxnID)
	rc.printf("  Readers:      %d/%d\n", info.NumReaders, info.MaxReaders)
	rc.printf("  Free pages:   %s in %d records\n", humanize.Comma(int64(info.FreePages)), info.FreeEntries)

	return env.View(func(txn *cowdb.Txn) error {
		st, err := txn.Stat(cowdb.MainDBI)
		if err != nil {
			return err
		}
		rc.printStat("(main)", st)
		if !c.All {
			return nil
		}
		names, err := txn.ListDBs()
		if err != nil {
			return err
		}
		sort.Strings(names)
		for _, name := range names {
			dbi, err := txn.OpenDBI(name, 0)
			if err != nil {
				return err
			}
			st, err := txn.Stat(dbi)
			if err != nil {
				return err
			}
			rc.printStat(name, st)
		}
		return nil
	})
}

func (rc *runContext) printStat(name string, st *cowdb.Stat) {
	rc.printf("Database %s\n", name)
	rc.printf("  Entries:      %s\n", humanize.Comma(int64(st.Entries)))
	rc.printf("  Depth:        %d\n", st.Depth)
	rc.printf("  Branch pages: %d\n", st.BranchPages)
	rc.printf("  Leaf pages:   %d\n", st.LeafPages)
	rc.printf("  Large pages:  %d\n", st.OverflowPages)
	rc.printf("  Sequence:     %d\n", st.Sequence)
}

// DBsCmd lists named databases.
type DBsCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *DBsCmd) Run(rc *runContext) error {
	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.View(func(txn *cowdb.Txn) error {
		names, err := txn.ListDBs()
		if err != nil {
			return err
		}
		sort.Strings(names)
		for _, name := range names {
			dbi, err := txn.OpenDBI(name, 0)
			if err != nil {
				return err
			}
			st, err := txn.Stat(dbi)
			if err != nil {
				return err
			}
			rc.printf("%s\t%d\n", name, st.Entries)
		}
		return nil
	})
}

// GetCmd prints the value of a key.
type GetCmd struct {
	KeyFlags
	Path string `arg:"" help:"Environment path" type:"path"`
	Key  string `arg:"" help:"Key"`
}

func (c *GetCmd) Run(rc *runContext) error {
	key, err := c.decode(c.Key)
	if err != nil {
		return err
	}
	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.View(func(txn *cowdb.Txn) error {
		dbi, err := c.open(txn, false)
		if err != nil {
			return err
		}
		val, err := txn.Get(dbi, key)
		if err != nil {
			return fmt.Errorf("get %q: %w", c.Key, err)
		}
		rc.printf("%s\n", c.encode(val))
		return nil
	})
}

// PutCmd stores a key/value pair.
type PutCmd struct {
	KeyFlags
	Path        string `arg:"" help:"Environment path" type:"path"`
	Key         string `arg:"" help:"Key"`
	Value       string `arg:"" help:"Value"`
	NoOverwrite bool   `name:"no-overwrite" help:"Fail if the key already exists"`
}

func (c *PutCmd) Run(rc *runContext) error {
	key, err := c.decode(c.Key)
	if err != nil {
		return err
	}
	val, err := c.decode(c.Value)
	if err != nil {
		return err
	}
	env, err := rc.openEnv(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	var flags uint
	if c.NoOverwrite {
		flags |= cowdb.NoOverwrite
	}
	return env.Update(func(txn *cowdb.Txn) error {
		dbi, err := c.open(txn, c.DB != "")
		if err != nil {
			return err
		}
		if err := txn.Put(dbi, key, val, flags); err != nil {
			return fmt.Errorf("put %q: %w", c.Key, err)
		}
		return nil
	})
}

// DelCmd deletes a key.
type DelCmd struct {
	KeyFlags
	Path string `arg:"" help:"Environment path" type:"path"`
	Key  string `arg:"" help:"Key"`
}

func (c *DelCmd) Run(rc *runContext) error {
	key, err := c.decode(c.Key)
	if err != nil {
		return err
	}
	env, err := rc.openEnv(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.Update(func(txn *cowdb.Txn) error {
		dbi, err := c.open(txn, false)
		if err != nil {
			return err
		}
		found, err := txn.Delete(dbi, key)
		if err != nil {
			return fmt.Errorf("delete %q: %w", c.Key, err)
		}
		if !found {
			return fmt.Errorf("delete %q: %w", c.Key, cowdb.ErrNotFoundError)
		}
		return nil
	})
}

// ScanCmd prints key/value pairs in key order.
type ScanCmd struct {
	KeyFlags
	Path     string `arg:"" help:"Environment path" type:"path"`
	Prefix   string `name:"prefix" short:"p" help:"Only keys starting with this prefix"`
	From     string `name:"from" short:"f" help:"Start at this key (the last key at or before it with --reverse)"`
	Limit    int    `name:"limit" short:"n" help:"Stop after this many pairs (0 = no limit)"`
	Reverse  bool   `name:"reverse" short:"r" help:"Scan in descending key order"`
	KeysOnly bool   `name:"keys-only" short:"k" help:"Print keys only"`
}

func (c *ScanCmd) Run(rc *runContext) error {
	prefix, err := c.decode(c.Prefix)
	if err != nil {
		return err
	}
	from, err := c.decode(c.From)
	if err != nil {
		return err
	}
	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	return env.View(func(txn *cowdb.Txn) error {
		dbi, err := c.open(txn, false)
		if err != nil {
			return err
		}
		cur, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, v, err := c.start(cur, prefix, from)
		for n := 0; err == nil && k != nil; {
			if !bytes.HasPrefix(k, prefix) {
				// Keys with the prefix are contiguous; in reverse order the
				// scan may start above them.
				if !c.Reverse || bytes.Compare(k, prefix) < 0 {
					break
				}
			} else {
				if c.KeysOnly {
					rc.printf("%s\n", c.encode(k))
				} else {
					rc.printf("%s\t%s\n", c.encode(k), c.encode(v))
				}
				if n++; c.Limit > 0 && n >= c.Limit {
					break
				}
			}
			if c.Reverse {
				k, v, err = cur.Prev()
			} else {
				k, v, err = cur.Next()
			}
		}
		return err
	})
}

// start positions the cursor on the first pair of the scan.
func (c *ScanCmd) start(cur *cowdb.Cursor, prefix, from []byte) ([]byte, []byte, error) {
	if !c.Reverse {
		if bytes.Compare(from, prefix) < 0 {
			from = prefix
		}
		if len(from) == 0 {
			return cur.First()
		}
		return cur.Seek(from)
	}
	if len(from) == 0 {
		return cur.Last()
	}
	k, v, err := cur.Seek(from)
	if err != nil {
		return nil, nil, err
	}
	if k == nil {
		return cur.Last()
	}
	if !bytes.Equal(k, from) {
		return cur.Prev()
	}
	return k, v, nil
}

package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/Giulio2002/cowdb"
)

// xzMagic starts every xz stream.
var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// CheckCmd verifies the latest snapshot.
type CheckCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
}

func (c *CheckCmd) Run(rc *runContext) error {
	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	info, err := env.Check()
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}
	rc.printInfo(info)
	rc.printf("OK\n")
	return nil
}

func (rc *runContext) printInfo(info *cowdb.CheckInfo) {
	rc.printf("Snapshot txn %d\n", info.TxnID)
	rc.printf("  Pages:     %d (tree %d, large %d, free list %d, free %d)\n",
		info.TotalPages, info.TreePages, info.LargePages, info.GCPages, info.FreePages)
	rc.printf("  Databases: %d\n", info.Databases)
	rc.printf("  Entries:   %s\n", humanize.Comma(int64(info.Entries)))
}

// CopyCmd writes a consistent copy of the environment.
type CopyCmd struct {
	Path string `arg:"" help:"Environment path" type:"path"`
	Out  string `arg:"" help:"Output file (must not exist)" type:"path"`
	XZ   bool   `name:"xz" help:"Compress the copy with xz"`
}

func (c *CopyCmd) Run(rc *runContext) error {
	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	var sum [32]byte
	if c.XZ {
		sum, err = copyXZ(env, c.Out)
	} else {
		sum, err = env.Copy(c.Out)
	}
	if err != nil {
		return fmt.Errorf("failed to copy to %s: %w", c.Out, err)
	}

	size := "?"
	if fi, err := os.Stat(c.Out); err == nil {
		size = humanize.IBytes(uint64(fi.Size()))
	}
	rc.printf("Copied %s to %s (%s)\n", c.Path, c.Out, size)
	rc.printf("  BLAKE3: %s\n", hex.EncodeToString(sum[:]))
	return nil
}

// copyXZ writes an xz-compressed copy. The digest covers the uncompressed
// data file.
func copyXZ(env *cowdb.Env, path string) (sum [32]byte, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	bw := bufio.NewWriter(f)
	zw, err := xz.NewWriter(bw)
	if err != nil {
		return sum, err
	}
	if sum, err = env.CopyTo(zw); err != nil {
		return sum, err
	}
	if err = zw.Close(); err != nil {
		return sum, err
	}
	if err = bw.Flush(); err != nil {
		return sum, err
	}
	if err = f.Sync(); err != nil {
		return sum, err
	}
	return sum, f.Close()
}

// RestoreCmd restores an environment from a copy.
type RestoreCmd struct {
	From   string `arg:"" help:"Copy to restore (plain or xz)" type:"existingfile"`
	Path   string `arg:"" help:"New environment path" type:"path"`
	Expect string `name:"expect" help:"Expected BLAKE3 digest of the restored data file"`
}

func (c *RestoreCmd) Run(rc *runContext) error {
	dataPath := c.Path
	if !rc.NoSubdir {
		if err := os.MkdirAll(c.Path, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", c.Path, err)
		}
		dataPath = filepath.Join(c.Path, cowdb.DataFileName)
	}

	sum, err := restoreFile(c.From, dataPath)
	if err != nil {
		return fmt.Errorf("failed to restore %s: %w", c.From, err)
	}
	digest := hex.EncodeToString(sum[:])
	if c.Expect != "" && !strings.EqualFold(c.Expect, digest) {
		os.Remove(dataPath)
		return fmt.Errorf("digest mismatch: got %s, want %s", digest, c.Expect)
	}

	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	info, err := env.Check()
	env.Close()
	if err != nil {
		return fmt.Errorf("restored environment failed check: %w", err)
	}
	rc.printf("Restored %s to %s\n", c.From, c.Path)
	rc.printf("  BLAKE3: %s\n", digest)
	rc.printInfo(info)
	return nil
}

// restoreFile decompresses src if needed and writes it to a new file at dst.
func restoreFile(src, dst string) (sum [32]byte, err error) {
	in, err := os.Open(src)
	if err != nil {
		return sum, err
	}
	defer in.Close()

	br := bufio.NewReader(in)
	var r io.Reader = br
	if head, err := br.Peek(len(xzMagic)); err == nil && bytes.Equal(head, xzMagic) {
		if r, err = xz.NewReader(br); err != nil {
			return sum, err
		}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	h := blake3.New()
	if _, err = io.Copy(io.MultiWriter(out, h), r); err != nil {
		return sum, err
	}
	if err = out.Sync(); err != nil {
		return sum, err
	}
	h.Sum(sum[:0])
	return sum, out.Close()
}

// ReadersCmd lists reader slots.
type ReadersCmd struct {
	Path  string `arg:"" help:"Environment path" type:"path"`
	Clear bool   `name:"clear" help:"Clear slots left behind by dead processes first"`
}

func (c *ReadersCmd) Run(rc *runContext) error {
	env, err := rc.openEnv(c.Path, !c.Clear)
	if err != nil {
		return err
	}
	defer env.Close()

	if c.Clear {
		n, err := env.ReaderCheck()
		if err != nil {
			return err
		}
		rc.printf("Cleared %d stale reader slots\n", n)
	}

	var n int
	err = env.ReaderList(func(r cowdb.ReaderInfo) error {
		if n == 0 {
			rc.printf("%-6s %-8s %-10s %s\n", "SLOT", "PID", "TXN", "SNAPSHOT")
		}
		n++
		rc.printf("%-6d %-8d %-10d %s\n", r.Slot, r.PID, r.TxnID, humanize.IBytes(r.Bytes))
		return nil
	})
	if err != nil {
		return err
	}
	if n == 0 {
		rc.printf("No active readers\n")
	}
	return nil
}

// FreelistCmd lists free-list records.
type FreelistCmd struct {
	Path  string `arg:"" help:"Environment path" type:"path"`
	Pages bool   `name:"pages" help:"Print the page numbers of each record"`
}

func (c *FreelistCmd) Run(rc *runContext) error {
	env, err := rc.openEnv(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	var records, pages uint64
	err = env.View(func(txn *cowdb.Txn) error {
		return txn.ForEachFree(func(id uint64, pgnos []uint32) error {
			records++
			pages += uint64(len(pgnos))
			if c.Pages {
				rc.printf("txn %d: %d pages %v\n", id, len(pgnos), pgnos)
			} else {
				rc.printf("txn %d: %d pages\n", id, len(pgnos))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	rc.printf("Total: %d records, %s pages (%s)\n",
		records, humanize.Comma(int64(pages)), humanize.IBytes(pages*uint64(env.PageSize())))
	return nil
}

package cowdb

import (
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// copyChunkPages is how many pages CopyTo hands to the writer at once.
const copyChunkPages = 256

// CopyTo writes a consistent copy of the latest snapshot to w and returns
// the BLAKE3 digest of the bytes written. The copy is a complete data file:
// both meta pages describe the snapshot and every page below the snapshot's
// next page number follows. Writers are not blocked while it runs.
func (e *Env) CopyTo(w io.Writer) ([32]byte, error) {
	var sum [32]byte
	h := blake3.New()
	out := io.MultiWriter(w, h)

	err := e.View(func(txn *Txn) error {
		m := txn.meta
		ps := e.pageSize

		buf := make([]byte, ps)
		for slot := 0; slot < numMetas; slot++ {
			clear(buf)
			m.encode(buf, slot)
			if _, err := out.Write(buf); err != nil {
				return err
			}
		}

		for pn := pgno(numMetas); pn < m.NextPgno; {
			n := min(copyChunkPages, int(m.NextPgno-pn))
			data, err := txn.pageData(pn, n)
			if err != nil {
				return err
			}
			if _, err := out.Write(data); err != nil {
				return err
			}
			pn += pgno(n)
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	h.Sum(sum[:0])
	return sum, nil
}

// Copy writes a copy of the latest snapshot to a new data file at path and
// syncs it. Open the copy with NoSubdir, or move it to DataFileName inside
// an environment directory.
func (e *Env) Copy(path string) ([32]byte, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return [32]byte{}, WrapError(ErrInvalid, err)
	}
	sum, err := e.CopyTo(f)
	if err == nil {
		err = fdatasync(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return [32]byte{}, err
	}
	e.logger.Info("copied environment", "path", path)
	return sum, nil
}

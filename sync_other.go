//go:build unix && !linux

package cowdb

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/cowdb"
)

// cowdbRun runs the CLI and returns what it printed.
func cowdbRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	if stderr.Len() > 0 {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := cowdbRun(t, args...)
	require.NoError(t, err, "cowdb %s", strings.Join(args, " "))
	return out
}

// seedEnv creates an environment with n keys in the main database.
func seedEnv(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env")
	env, err := cowdb.NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.Open(path, cowdb.NoSync, 0o644))
	defer env.Close()
	err = env.Update(func(txn *cowdb.Txn) error {
		for i := 0; i < n; i++ {
			if err := txn.Put(cowdb.MainDBI, []byte(fmt.Sprintf("key%04d", i)), []byte(fmt.Sprintf("val%d", i)), 0); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return path
}

var digestRE = regexp.MustCompile(`BLAKE3: ([0-9a-f]{64})`)

func digestOf(t *testing.T, out string) string {
	t.Helper()
	m := digestRE.FindStringSubmatch(out)
	require.Len(t, m, 2, "no digest in %q", out)
	return m[1]
}

func TestPutGetDel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")

	mustRun(t, "put", path, "alpha", "1")
	mustRun(t, "put", path, "beta", "2")
	assert.Equal(t, "1\n", mustRun(t, "get", path, "alpha"))

	_, err := cowdbRun(t, "put", "--no-overwrite", path, "alpha", "9")
	require.Error(t, err)
	assert.True(t, cowdb.IsKeyExist(err), "got %v", err)
	assert.Equal(t, "1\n", mustRun(t, "get", path, "alpha"))

	mustRun(t, "del", path, "alpha")
	_, err = cowdbRun(t, "get", path, "alpha")
	assert.True(t, cowdb.IsNotFound(err), "got %v", err)

	_, err = cowdbRun(t, "del", path, "alpha")
	assert.True(t, cowdb.IsNotFound(err), "got %v", err)
}

func TestHexKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	mustRun(t, "put", "--hex", path, "00ff", "deadbeef")
	assert.Equal(t, "deadbeef\n", mustRun(t, "get", "-x", path, "00ff"))
	assert.Equal(t, "00ff\tdeadbeef\n", mustRun(t, "scan", "--hex", path))

	_, err := cowdbRun(t, "get", "--hex", path, "zz")
	assert.ErrorContains(t, err, "invalid hex")
}

func TestScan(t *testing.T) {
	path := seedEnv(t, 30)

	out := mustRun(t, "scan", "--keys-only", path)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 30)
	assert.Equal(t, "key0000", lines[0])
	assert.Equal(t, "key0029", lines[29])

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"prefix", []string{"--prefix", "key002", "-k"}, "key0020 key0021 key0022 key0023 key0024 key0025 key0026 key0027 key0028 key0029"},
		{"from", []string{"--from", "key0027", "-k"}, "key0027 key0028 key0029"},
		{"from between keys", []string{"--from", "key00265", "-k"}, "key0027 key0028 key0029"},
		{"limit", []string{"-n", "2"}, "key0000\tval0 key0001\tval1"},
		{"prefix and from", []string{"-p", "key001", "-f", "key0018", "-k"}, "key0018 key0019"},
		{"reverse", []string{"-r", "-n", "3", "-k"}, "key0029 key0028 key0027"},
		{"reverse prefix", []string{"-r", "-p", "key000", "-n", "2", "-k"}, "key0009 key0008"},
		{"reverse from", []string{"-r", "-f", "key00035", "-k"}, "key0003 key0002 key0001 key0000"},
		{"no match", []string{"-p", "nope"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"scan", path}, tt.args...)
			out := mustRun(t, args...)
			got := strings.Join(strings.Split(strings.TrimSpace(out), "\n"), " ")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNamedDatabases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	mustRun(t, "put", "--db", "users", path, "u1", "ann")
	mustRun(t, "put", "--db", "users", path, "u2", "bob")
	mustRun(t, "put", "-d", "orders", path, "o1", "x")

	assert.Equal(t, "orders\t1\nusers\t2\n", mustRun(t, "dbs", path))
	assert.Equal(t, "bob\n", mustRun(t, "get", "--db", "users", path, "u2"))

	_, err := cowdbRun(t, "get", "--db", "missing", path, "u2")
	assert.True(t, cowdb.IsNotFound(err), "got %v", err)

	out := mustRun(t, "stat", "--all", path)
	assert.Contains(t, out, "Database (main)")
	assert.Contains(t, out, "Database users")
	assert.Contains(t, out, "Database orders")
}

func TestStat(t *testing.T) {
	path := seedEnv(t, 100)
	out := mustRun(t, "stat", path)
	assert.Contains(t, out, "Page size:    4.0 KiB")
	assert.Contains(t, out, "Entries:      100")
	assert.Contains(t, out, "Readers:      0/")
}

func TestOpenMissingEnvironment(t *testing.T) {
	_, err := cowdbRun(t, "stat", filepath.Join(t.TempDir(), "nothing"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestMapSizeFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	mustRun(t, "--map-size", "64MiB", "put", path, "k", "v")
	assert.Contains(t, mustRun(t, "--map-size", "64MiB", "stat", path), "Map size:     64 MiB")

	_, err := cowdbRun(t, "--map-size", "lots", "stat", path)
	assert.ErrorContains(t, err, "invalid --map-size")
}

func TestPageSizeFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	mustRun(t, "--page-size", "8KiB", "put", path, "k", "v")
	assert.Contains(t, mustRun(t, "stat", path), "Page size:    8.0 KiB")
}

func TestNoSubdir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	mustRun(t, "--no-subdir", "put", path, "k", "v")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
	// An existing data file is detected without the flag.
	assert.Equal(t, "v\n", mustRun(t, "get", path, "k"))
}

func TestCheck(t *testing.T) {
	path := seedEnv(t, 500)
	out := mustRun(t, "check", path)
	assert.Contains(t, out, "Entries:   500")
	assert.True(t, strings.HasSuffix(out, "OK\n"))
}

func TestCopyAndRestore(t *testing.T) {
	src := seedEnv(t, 2000)
	dir := t.TempDir()

	for _, xz := range []bool{false, true} {
		t.Run(fmt.Sprintf("xz=%v", xz), func(t *testing.T) {
			backup := filepath.Join(dir, fmt.Sprintf("backup-%v", xz))
			args := []string{"copy", src, backup}
			if xz {
				args = append(args, "--xz")
			}
			copied := digestOf(t, mustRun(t, args...))

			// Copying over an existing file is refused.
			_, err := cowdbRun(t, args...)
			require.Error(t, err)

			dst := filepath.Join(dir, fmt.Sprintf("restored-%v", xz))
			out := mustRun(t, "restore", "--expect", copied, backup, dst)
			assert.Equal(t, copied, digestOf(t, out))
			assert.Contains(t, out, "Entries:   2,000")
			assert.Equal(t, "val1999\n", mustRun(t, "get", dst, "key1999"))
		})
	}

	plain, err := os.Stat(filepath.Join(dir, "backup-false"))
	require.NoError(t, err)
	packed, err := os.Stat(filepath.Join(dir, "backup-true"))
	require.NoError(t, err)
	assert.Less(t, packed.Size(), plain.Size())
}

func TestRestoreDigestMismatch(t *testing.T) {
	src := seedEnv(t, 10)
	backup := filepath.Join(t.TempDir(), "backup")
	mustRun(t, "copy", src, backup)

	dst := filepath.Join(t.TempDir(), "restored")
	_, err := cowdbRun(t, "restore", "--expect", strings.Repeat("0", 64), backup, dst)
	assert.ErrorContains(t, err, "digest mismatch")
	_, err = os.Stat(filepath.Join(dst, cowdb.DataFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, bytes.Repeat([]byte{0xab}, 8192), 0o644))
	_, err := cowdbRun(t, "restore", junk, filepath.Join(dir, "restored"))
	require.Error(t, err)
}

func TestFreelist(t *testing.T) {
	path := seedEnv(t, 1000)
	for i := 0; i < 3; i++ {
		mustRun(t, "put", path, "key0500", fmt.Sprintf("round%d", i))
	}
	out := mustRun(t, "freelist", "--pages", path)
	assert.Regexp(t, `txn \d+: \d+ pages \[`, out)
	assert.Contains(t, out, "Total: ")
}

func TestReaders(t *testing.T) {
	path := seedEnv(t, 1)
	assert.Contains(t, mustRun(t, "readers", path), "No active readers")
	assert.Contains(t, mustRun(t, "readers", "--clear", path), "Cleared 0 stale reader slots")
}

func TestJSONLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	var stdout, stderr bytes.Buffer
	err := run([]string{"--log-level", "debug", "--log-format", "json", "put", path, "k", "v"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), `"msg":"created database"`)
	assert.Contains(t, stderr.String(), `"msg":"commit"`)
}

func TestVersionCommand(t *testing.T) {
	assert.Equal(t, cowdb.Version()+"\n", mustRun(t, "version"))
}

func TestUnknownCommand(t *testing.T) {
	_, err := cowdbRun(t, "frobnicate")
	assert.Error(t, err)
}

// Command cowdb inspects and maintains cowdb environments.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/Giulio2002/cowdb"
	"github.com/Giulio2002/cowdb/internal/logging"
)

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel  string `name:"log-level" default:"warn" enum:"debug,info,warn,error" help:"Log level (${enum})"`
	LogFormat string `name:"log-format" default:"text" enum:"text,json" help:"Log format (${enum})"`
	MapSize   string `name:"map-size" default:"1GiB" help:"Upper bound of the data file, e.g. 256MiB"`
	PageSize  string `name:"page-size" help:"Page size for new environments, e.g. 8KiB"`
	MaxDBs    int    `name:"max-dbs" default:"64" help:"Maximum number of named databases"`
	NoSubdir  bool   `name:"no-subdir" help:"Treat the path as the data file instead of a directory"`
}

// CLI defines the command-line interface for cowdb.
type CLI struct {
	Globals

	Stat     StatCmd     `cmd:"" help:"Show environment and database statistics"`
	DBs      DBsCmd      `cmd:"" name:"dbs" help:"List named databases"`
	Get      GetCmd      `cmd:"" help:"Print the value of a key"`
	Put      PutCmd      `cmd:"" help:"Store a key/value pair"`
	Del      DelCmd      `cmd:"" help:"Delete a key"`
	Scan     ScanCmd     `cmd:"" help:"Print key/value pairs in key order"`
	Check    CheckCmd    `cmd:"" help:"Verify every page of the latest snapshot"`
	Copy     CopyCmd     `cmd:"" help:"Write a consistent copy of the environment"`
	Restore  RestoreCmd  `cmd:"" help:"Restore an environment from a copy"`
	Readers  ReadersCmd  `cmd:"" help:"List reader slots"`
	Freelist FreelistCmd `cmd:"" help:"List free-list records"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

// runContext is passed to every command's Run method.
type runContext struct {
	*Globals
	stdout io.Writer
	logger *slog.Logger
}

func (rc *runContext) printf(format string, args ...any) {
	fmt.Fprintf(rc.stdout, format, args...)
}

// openEnv opens the environment at path. An existing regular file is opened
// as a data file regardless of --no-subdir.
func (rc *runContext) openEnv(path string, readOnly bool) (*cowdb.Env, error) {
	mapSize, err := humanize.ParseBytes(rc.MapSize)
	if err != nil {
		return nil, fmt.Errorf("invalid --map-size %q: %w", rc.MapSize, err)
	}

	var flags uint
	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
		flags |= cowdb.NoSubdir
	} else if errors.Is(err, os.ErrNotExist) && readOnly {
		return nil, fmt.Errorf("environment %s does not exist", path)
	}
	if rc.NoSubdir {
		flags |= cowdb.NoSubdir
	}
	if readOnly {
		flags |= cowdb.ReadOnly
	}

	env, err := cowdb.NewEnv()
	if err != nil {
		return nil, err
	}
	env.SetLogger(rc.logger)
	if err := env.SetMapSize(int64(mapSize)); err != nil {
		env.Close()
		return nil, err
	}
	if err := env.SetMaxDBs(rc.MaxDBs); err != nil {
		env.Close()
		return nil, err
	}
	if rc.PageSize != "" {
		ps, err := humanize.ParseBytes(rc.PageSize)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("invalid --page-size %q: %w", rc.PageSize, err)
		}
		if err := env.SetPageSize(int(ps)); err != nil {
			env.Close()
			return nil, err
		}
	}
	if err := env.Open(path, flags, 0o644); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return env, nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(rc *runContext) error {
	rc.printf("%s\n", cowdb.Version())
	return nil
}

// run parses args and executes the selected command.
func run(args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("cowdb"),
		kong.Description("Inspect and maintain cowdb environments"),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	rc := &runContext{
		Globals: &cli.Globals,
		stdout:  stdout,
		logger: logging.New(stderr,
			logging.ParseLevel(cli.LogLevel),
			logging.ParseFormat(cli.LogFormat)),
	}
	return ctx.Run(rc)
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "cowdb: %v\n", err)
		os.Exit(1)
	}
}

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/mwendler/driftlog/internal/config"
	"github.com/mwendler/driftlog/internal/storage"
)

// App carries the resolved configuration and the lazily-opened storage
// engine shared by all commands in one invocation.
type App struct {
	io  *IO
	in  io.Reader
	cfg config.Config
	src config.Sources
	log *slog.Logger

	eng *storage.Storage
}

// engine opens the storage engine on first use. Commands that never touch
// storage (help, config) stay cheap and never create a device identity.
func (a *App) engine(ctx context.Context) (*storage.Storage, error) {
	if a.eng != nil {
		return a.eng, nil
	}

	eng, err := storage.Open(ctx, storage.Options{
		BaseDir:  a.cfg.BaseDir,
		LocalDir: a.cfg.LocalDir,
		Logger:   a.log,
	})
	if err != nil {
		return nil, err
	}

	a.eng = eng

	return eng, nil
}

func (a *App) closeEngine() {
	if a.eng == nil {
		return
	}

	err := a.eng.Close()
	if err != nil {
		a.log.Warn("storage close failed", "err", err)
	}

	a.eng = nil
}

// Run is the main entry point. Returns an exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string, env []string) int {
	o := NewIO(out, errOut)

	globals := flag.NewFlagSet("driftlog", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(io.Discard)

	var (
		dirFlag      = globals.String("dir", "", "synced base directory holding the event logs")
		localDirFlag = globals.String("local-dir", "", "non-synced directory for device id, sync state, and cache")
		configFlag   = globals.StringP("config", "c", "", "explicit config file (HuJSON)")
		verboseFlag  = globals.BoolP("verbose", "v", false, "debug logging")
	)

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		if err == flag.ErrHelp {
			printUsage(o)

			return 0
		}

		o.ErrPrintln("error:", err)

		return 1
	}

	workDir, err := os.Getwd()
	if err != nil {
		o.ErrPrintln("error: cannot get working directory:", err)

		return 1
	}

	overrides := config.Config{BaseDir: *dirFlag, LocalDir: *localDirFlag}

	cfg, sources, err := config.Load(workDir, *configFlag, overrides, env)
	if err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	level := slog.LevelWarn
	if *verboseFlag {
		level = slog.LevelDebug
	}

	app := &App{
		io:  o,
		in:  in,
		cfg: cfg,
		src: sources,
		log: slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
	}
	defer app.closeEngine()

	rest := globals.Args()
	if len(rest) == 0 {
		printUsage(o)

		return 0
	}

	name := rest[0]
	if name == "-h" || name == "--help" || name == "help" {
		printUsage(o)

		return 0
	}

	for _, cmd := range app.commands() {
		if cmd.Name() == name {
			return cmd.Run(context.Background(), o, rest[1:])
		}
	}

	o.ErrPrintln(fmt.Sprintf("error: unknown command %q", name))
	o.ErrPrintln()
	printUsage(o)

	return 1
}

// commands returns every registered command. The shell reuses this list, so
// a new command is automatically available in both modes.
func (a *App) commands() []*Command {
	return []*Command{
		a.cmdDevice(),
		a.cmdLog(),
		a.cmdAppend(),
		a.cmdSync(),
		a.cmdRebuild(),
		a.cmdLs(),
		a.cmdSearch(),
		a.cmdShow(),
		a.cmdConfig(),
		a.cmdShell(),
	}
}

func printUsage(o *IO) {
	o.Println("Usage: driftlog [global flags] <command> [args]")
	o.Println()
	o.Println("Event-sourced storage for a synced folder: append-only JSONL logs as")
	o.Println("the source of truth, a rebuildable SQLite cache for queries, and an")
	o.Println("idempotent sync pass that folds in other devices' events.")
	o.Println()
	o.Println("Commands:")

	app := &App{}
	for _, cmd := range app.commands() {
		o.Println(cmd.HelpLine())
	}

	o.Println()
	o.Println("Global flags:")
	o.Println("  --dir <path>         synced base directory (overrides config)")
	o.Println("  --local-dir <path>   non-synced state directory (overrides config)")
	o.Println("  -c, --config <file>  explicit config file (HuJSON)")
	o.Println("  -v, --verbose        debug logging")
}

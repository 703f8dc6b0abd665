package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func (a *App) cmdShell() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "interactive shell over the same commands",
		Long: "Start a readline shell. Every driftlog command works inside it, the\n" +
			"storage engine stays open between commands, and history persists in\n" +
			"~/.driftlog_history.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return a.runShell(ctx, o)
		},
	}
}

func shellHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".driftlog_history")
}

func (a *App) runShell(ctx context.Context, o *IO) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	names := a.shellCommandNames()

	line.SetCompleter(func(prefix string) []string {
		var out []string

		for _, name := range names {
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)
			}
		}

		return out
	})

	if f, err := os.Open(shellHistoryFile()); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}

	o.Println("driftlog shell. Type 'help' for commands, 'exit' to leave.")

	for {
		input, err := line.Prompt("driftlog> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				o.Println()

				break
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		name := fields[0]

		switch name {
		case "exit", "quit", "q":
			a.saveShellHistory(line)

			return nil
		case "help", "?":
			for _, cmd := range a.commands() {
				if cmd.Name() == "shell" {
					continue
				}

				o.Println(cmd.HelpLine())
			}

			continue
		}

		cmd := a.lookup(name)
		if cmd == nil {
			o.ErrPrintln("unknown command:", name)

			continue
		}

		// Exit codes are meaningless inside the shell; errors were already
		// printed by Run.
		_ = cmd.Run(ctx, o, fields[1:])
	}

	a.saveShellHistory(line)

	return nil
}

func (a *App) lookup(name string) *Command {
	if name == "shell" {
		return nil // no nested shells
	}

	for _, cmd := range a.commands() {
		if cmd.Name() == name {
			return cmd
		}
	}

	return nil
}

func (a *App) shellCommandNames() []string {
	var names []string

	for _, cmd := range a.commands() {
		if cmd.Name() == "shell" {
			continue
		}

		names = append(names, cmd.Name())
	}

	return append(names, "help", "exit")
}

func (a *App) saveShellHistory(line *liner.State) {
	path := shellHistoryFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = line.WriteHistory(f)
	_ = f.Close()
}

package cli

import (
	"context"
	"errors"
	"time"

	flag "github.com/spf13/pflag"
)

func (a *App) cmdLog() *Command {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	raw := flags.Bool("raw", false, "print raw JSON payloads instead of a summary")

	return &Command{
		Flags: flags,
		Usage: "log <file>",
		Short: "dump the events of one log file",
		Long: "Read one JSONL log file (path relative to the base directory, e.g.\n" +
			"workspaces/<id>.jsonl) and print its events in file order. Corrupt\n" +
			"lines are skipped with a warning on stderr.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("log: expected exactly one file argument")
			}

			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			events, err := eng.Log().Read(ctx, args[0])
			if err != nil {
				return err
			}

			for _, e := range events {
				ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)

				if *raw {
					o.Printf("%s %s %s %s %s\n", ts, e.ID, e.DeviceID, e.Type, string(e.Data))
				} else {
					o.Printf("%s  %-22s  device=%s  id=%s\n", ts, e.Type, e.DeviceID, e.ID)
				}
			}

			o.Printf("%d events\n", len(events))

			return nil
		},
	}
}

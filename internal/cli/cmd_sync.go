package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func (a *App) cmdSync() *Command {
	return &Command{
		Flags: flag.NewFlagSet("sync", flag.ContinueOnError),
		Usage: "sync",
		Short: "reconcile events written by other devices",
		Long: "Run one incremental sync pass: scan the tracked log files for events\n" +
			"from other devices past the per-file watermarks and fold them into\n" +
			"the local cache. Safe to run at any time; re-delivery is a no-op.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			res, err := eng.Sync(ctx)
			if err != nil {
				return err
			}

			o.Printf("files=%d seen=%d applied=%d skipped=%d\n",
				res.Files, res.Seen, res.Applied, res.Skipped)

			return nil
		},
	}
}

func (a *App) cmdRebuild() *Command {
	return &Command{
		Flags: flag.NewFlagSet("rebuild", flag.ContinueOnError),
		Usage: "rebuild",
		Short: "rebuild the cache from the event logs",
		Long: "Discard the entire cache projection and replay every event from every\n" +
			"log file. Use this after restoring a backup or whenever the cache is\n" +
			"suspected to be stale; the logs are the source of truth.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			err = eng.Rebuild(ctx)
			if err != nil {
				return err
			}

			o.Println("cache rebuilt")

			return nil
		},
	}
}

package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/mwendler/driftlog/internal/config"
)

func (a *App) cmdConfig() *Command {
	return &Command{
		Flags: flag.NewFlagSet("config", flag.ContinueOnError),
		Usage: "config",
		Short: "print the effective configuration and its sources",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			formatted, err := config.Format(a.cfg)
			if err != nil {
				return err
			}

			o.Println(formatted)

			if a.src.Global != "" {
				o.Println("// global:", a.src.Global)
			}

			if a.src.Project != "" {
				o.Println("// project:", a.src.Project)
			}

			return nil
		},
	}
}

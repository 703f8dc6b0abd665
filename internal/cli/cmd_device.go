package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

func (a *App) cmdDevice() *Command {
	return &Command{
		Flags: flag.NewFlagSet("device", flag.ContinueOnError),
		Usage: "device",
		Short: "print this installation's device id",
		Long: "Print the device id that tags every event this installation writes.\n" +
			"The id is created on first use and stored in the local state directory.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			o.Println(eng.DeviceID())

			return nil
		},
	}
}

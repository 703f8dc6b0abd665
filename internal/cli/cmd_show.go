package cli

import (
	"context"
	"errors"
	"time"

	flag "github.com/spf13/pflag"
)

func (a *App) cmdShow() *Command {
	flags := flag.NewFlagSet("show", flag.ContinueOnError)

	var (
		page     = flags.Int("page", 1, "page number (1-based)")
		pageSize = flags.Int("page-size", 0, "messages per page (max 100)")
	)

	return &Command{
		Flags: flags,
		Usage: "show <conversation-id>",
		Short: "print a conversation and its messages",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("show: expected exactly one conversation id")
			}

			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			conv, err := eng.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}

			o.Printf("%s  %s", conv.ID, conv.Title)

			if conv.Deleted {
				o.Printf("  (deleted)")
			}

			o.Printf("\nworkspace %s, created %s\n\n",
				conv.WorkspaceID, time.UnixMilli(conv.CreatedAt).UTC().Format(time.RFC3339))

			msgs, err := eng.ListMessages(ctx, conv.ID, a.pageRequest(*page, *pageSize))
			if err != nil {
				return err
			}

			for _, m := range msgs.Items {
				o.Printf("[%s] %s (%s)\n%s\n\n",
					time.UnixMilli(m.CreatedAt).UTC().Format("2006-01-02 15:04:05"),
					m.Role, m.DeviceID, m.Content)
			}

			printPageFooter(o, msgs.Page, msgs.TotalPages, msgs.TotalItems, "messages")

			return nil
		},
	}
}

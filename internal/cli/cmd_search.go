package cli

import (
	"context"
	"errors"
	"strings"

	flag "github.com/spf13/pflag"
)

func (a *App) cmdSearch() *Command {
	flags := flag.NewFlagSet("search", flag.ContinueOnError)

	var (
		convOnly = flags.Bool("conversations", false, "search conversation titles only")
		msgOnly  = flags.Bool("messages", false, "search message contents only")
		page     = flags.Int("page", 1, "page number (1-based)")
		pageSize = flags.Int("page-size", 0, "items per page (max 100)")
	)

	return &Command{
		Flags: flags,
		Usage: "search <query>",
		Short: "full-text search over titles and messages",
		Long: "Search conversation titles and message contents with FTS5. The last\n" +
			"word of the query matches as a prefix, so partial words work.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errors.New("search: query is required")
			}

			query := strings.Join(args, " ")

			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			req := a.pageRequest(*page, *pageSize)
			both := !*convOnly && !*msgOnly

			if *convOnly || both {
				hits, err := eng.SearchConversations(ctx, query, req)
				if err != nil {
					return err
				}

				for _, h := range hits.Items {
					o.Printf("conversation %s  %s\n", h.ConversationID, h.Snippet)
				}

				printPageFooter(o, hits.Page, hits.TotalPages, hits.TotalItems, "title matches")
			}

			if *msgOnly || both {
				hits, err := eng.SearchMessages(ctx, query, req)
				if err != nil {
					return err
				}

				for _, h := range hits.Items {
					o.Printf("message %s in %s  %s\n", h.MessageID, h.ConversationID, h.Snippet)
				}

				printPageFooter(o, hits.Page, hits.TotalPages, hits.TotalItems, "message matches")
			}

			return nil
		},
	}
}

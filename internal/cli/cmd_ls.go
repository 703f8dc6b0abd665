package cli

import (
	"context"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mwendler/driftlog/internal/cache"
)

func (a *App) cmdLs() *Command {
	flags := flag.NewFlagSet("ls", flag.ContinueOnError)

	var (
		workspace = flags.StringP("workspace", "w", "", "filter by workspace id")
		page      = flags.Int("page", 1, "page number (1-based)")
		pageSize  = flags.Int("page-size", 0, "items per page (max 100)")
	)

	return &Command{
		Flags: flags,
		Usage: "ls [workspaces|conversations|sessions]",
		Short: "list entities, most recently active first",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			what := "workspaces"
			if len(args) > 0 {
				what = args[0]
			}

			if len(args) > 1 {
				return fmt.Errorf("ls: unexpected argument %q", args[1])
			}

			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			req := a.pageRequest(*page, *pageSize)

			switch what {
			case "workspaces":
				rows, err := eng.ListWorkspaces(ctx)
				if err != nil {
					return err
				}

				for _, w := range rows {
					o.Printf("%s  %-20s  updated %s\n", w.ID, w.Name, relTime(w.UpdatedAt))
				}

				o.Printf("%d workspaces\n", len(rows))
			case "conversations":
				page, err := eng.ListConversations(ctx, *workspace, req)
				if err != nil {
					return err
				}

				for _, c := range page.Items {
					o.Printf("%s  %-30s  ws=%s  updated %s\n", c.ID, c.Title, c.WorkspaceID, relTime(c.UpdatedAt))
				}

				printPageFooter(o, page.Page, page.TotalPages, page.TotalItems, "conversations")
			case "sessions":
				page, err := eng.ListSessions(ctx, *workspace, req)
				if err != nil {
					return err
				}

				for _, s := range page.Items {
					o.Printf("%s  %-20s  %-8s  ws=%s  started %s\n",
						s.ID, s.Label, s.Status, s.WorkspaceID, relTime(s.StartedAt))
				}

				printPageFooter(o, page.Page, page.TotalPages, page.TotalItems, "sessions")
			default:
				return fmt.Errorf("ls: unknown entity %q (want workspaces, conversations, or sessions)", what)
			}

			return nil
		},
	}
}

// pageRequest applies the configured default page size when the flag was
// left at zero.
func (a *App) pageRequest(page, size int) cache.PageRequest {
	if size == 0 {
		size = a.cfg.PageSize
	}

	return cache.PageRequest{Page: page, Size: size}
}

func printPageFooter(o *IO, page, totalPages, totalItems int, noun string) {
	if totalPages > 1 {
		o.Printf("page %d/%d, %d %s\n", page, totalPages, totalItems, noun)

		return
	}

	o.Printf("%d %s\n", totalItems, noun)
}

// relTime renders an epoch-millisecond timestamp compactly for listings.
func relTime(ms int64) string {
	t := time.UnixMilli(ms).UTC()

	age := time.Since(t)

	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}

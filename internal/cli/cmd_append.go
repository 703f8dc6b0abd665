package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/mwendler/driftlog/internal/event"
)

func (a *App) cmdAppend() *Command {
	flags := flag.NewFlagSet("append", flag.ContinueOnError)

	var (
		entity    = flags.String("entity", "", "target entity: workspace, conversation, or session")
		id        = flags.String("id", "", "entity id (log file selector)")
		workspace = flags.String("workspace", "", "owning workspace id (sessions only)")
		evType    = flags.String("type", "", "event type, e.g. workspace_created")
		data      = flags.String("data", "{}", "event payload as raw JSON")
	)

	return &Command{
		Flags: flags,
		Usage: "append --entity <e> --id <id> --type <t> [--data <json>]",
		Short: "append one event to an entity's log (dev tool)",
		Long: "Append a single event to the selected entity's log file and project\n" +
			"it into the local cache. The payload is passed through verbatim, so\n" +
			"unknown event types are allowed.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return errors.New("append: unexpected positional arguments")
			}

			if *id == "" || *evType == "" {
				return errors.New("append: --id and --type are required")
			}

			if !json.Valid([]byte(*data)) {
				return errors.New("append: --data is not valid JSON")
			}

			eng, err := a.engine(ctx)
			if err != nil {
				return err
			}

			draft := event.Draft{Type: *evType, Data: json.RawMessage(*data)}

			var appended event.Event

			switch *entity {
			case "workspace":
				appended, err = eng.AppendWorkspaceEvent(ctx, *id, draft)
			case "conversation":
				appended, err = eng.AppendConversationEvent(ctx, *id, draft)
			case "session":
				if *workspace == "" {
					return errors.New("append: --workspace is required for sessions")
				}

				appended, err = eng.AppendSessionEvent(ctx, *workspace, *id, draft)
			default:
				return fmt.Errorf("append: unknown entity %q", *entity)
			}

			if err != nil {
				return err
			}

			o.Println(appended.ID)

			return nil
		},
	}
}

package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/AshkanYarmoradi/go-rpkica/cli/ui"
	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		after, before string
		include       []string
		exclude       []string
		offset, limit int
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "history <handle>",
		Short: "Show the command history of a CA",
		Long: `Show the recorded commands of a CA, oldest first. Use "ta" for the trust anchor.

Examples:
  rpkica history alice
  rpkica history alice --include certify-child --limit 10
  rpkica history ta --after 2024-01-01T00:00:00Z --json`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			handle, err := rpkica.ParseHandle(args[0])
			if err != nil {
				return err
			}
			criteria := rpkica.CommandHistoryCriteria{
				IncludeTypes: include,
				ExcludeTypes: exclude,
				Offset:       offset,
				RowsLimit:    limit,
			}
			if criteria.After, err = parseTime("after", after); err != nil {
				return err
			}
			if criteria.Before, err = parseTime("before", before); err != nil {
				return err
			}

			history, err := a.srv.GetCAHistory(ctx, handle, criteria)
			if err != nil {
				return err
			}
			out := a.out()
			if asJSON {
				return printJSON(out, history)
			}

			fmt.Fprintln(out, styles.Title.Render("History of "+handle.String()))
			if len(history.Commands) == 0 {
				fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("No matching commands (%d recorded)", history.Total)))
				return nil
			}
			table := ui.NewTable("Key", "Time", "Actor", "Summary", "Events")
			for _, c := range history.Commands {
				table.AddRow(c.Key.String(), c.Timestamp.UTC().Format(time.RFC3339),
					orDash(c.Actor), c.Summary, versions(c.EventVersions))
			}
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("Showing %d-%d of %d",
				history.Offset+1, history.Offset+len(history.Commands), history.Total)))
			return nil
		}),
	}

	cmd.Flags().StringVar(&after, "after", "", "Only commands after this RFC 3339 time")
	cmd.Flags().StringVar(&before, "before", "", "Only commands before this RFC 3339 time")
	cmd.Flags().StringSliceVar(&include, "include", nil, "Only these command types")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Skip these command types")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many matching commands")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many commands")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the history as JSON")

	return cmd
}

func parseTime(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}

func versions(v []int64) string {
	if len(v) == 0 {
		return "-"
	}
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}

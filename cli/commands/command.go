package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/spf13/cobra"
)

// NewCommandDetailsCommand creates the command command
func NewCommandDetailsCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "command <handle> <key>",
		Short: "Show one recorded command and the events it produced",
		Long: `Show one recorded command of a CA. The key is taken from 'rpkica history'.

Example:
  rpkica command alice 2-1700000000000-add-parent`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			handle, err := rpkica.ParseHandle(args[0])
			if err != nil {
				return err
			}
			key, err := rpkica.ParseCommandKey(args[1])
			if err != nil {
				return err
			}
			details, err := a.srv.GetCACommandDetails(ctx, handle, key)
			if err != nil {
				return err
			}
			out := a.out()
			if asJSON {
				return printJSON(out, details)
			}

			fmt.Fprintln(out, styles.Title.Render(details.Summary))
			printKV(out, "Key", details.Key.String())
			printKV(out, "Type", details.Type)
			printKV(out, "Actor", orDash(details.Actor))
			printKV(out, "Time", details.Timestamp.UTC().Format(time.RFC3339))
			printKV(out, "Version", fmt.Sprint(details.Version))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Subtitle.Render("Command"))
			fmt.Fprintln(out, styles.Code.Render(string(details.Command)))

			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Subtitle.Render(fmt.Sprintf("Events (%d)", len(details.Events))))
			for _, e := range details.Events {
				fmt.Fprintf(out, "  %s %s\n", styles.Highlight.Render(fmt.Sprintf("v%d", e.Version)), e.Summary)
				fmt.Fprintln(out, "    "+styles.Muted.Render(string(e.Details)))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the command as JSON")
	return cmd
}

package commands

import (
	"context"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/AshkanYarmoradi/go-rpkica/cli/ui"
	"github.com/spf13/cobra"
)

// NewTrustAnchorCommand creates the ta command
func NewTrustAnchorCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ta",
		Short: "Manage the trust anchor",
	}
	cmd.AddCommand(newTAInitCommand(flags), newTAShowCommand(flags))
	return cmd
}

func newTAInitCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the trust anchor holding all resources",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			ta, err := a.srv.InitTrustAnchor(ctx)
			if err != nil {
				return err
			}
			out := a.out()
			fmt.Fprintln(out, styles.FormatSuccess("Trust anchor created"))
			printKV(out, "Key", ta.Key().String())
			printKV(out, "Resources", ta.Resources().String())
			return nil
		}),
	}
}

func newTAShowCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the trust anchor and its children",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			ta, err := a.srv.TrustAnchor(ctx)
			if err != nil {
				return err
			}
			out := a.out()
			if asJSON {
				return printJSON(out, ta)
			}

			fmt.Fprintln(out, styles.Title.Render(styles.IconAnchor+" Trust anchor"))
			printKV(out, "Version", fmt.Sprint(ta.Version()))
			printKV(out, "Key", ta.Key().String())
			printKV(out, "Resources", ta.Resources().String())
			printKV(out, "Delegated", ta.Delegated().String())

			table := ui.NewTable("Child", "Resources", "Certificate")
			for _, h := range ta.Children() {
				d, _ := ta.Child(h)
				serial := "-"
				if d.Certificate != nil {
					serial = fmt.Sprintf("#%d", d.Certificate.Serial)
				}
				table.AddRow(h.String(), d.Resources.String(), serial)
			}
			if table.Len() > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, table.Render())
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the trust anchor state as JSON")
	return cmd
}

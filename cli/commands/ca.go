package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/ca"
	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/AshkanYarmoradi/go-rpkica/cli/ui"
	"github.com/spf13/cobra"
)

// NewCACommand creates the ca command
func NewCACommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage certificate authorities",
		Long: `Manage the certificate authorities below the trust anchor.

Examples:
  rpkica ca init alice
  rpkica ca show alice --json
  rpkica ca list
  rpkica ca tree`,
	}
	cmd.AddCommand(
		newCAInitCommand(flags),
		newCAShowCommand(flags),
		newCAListCommand(flags),
		newCATreeCommand(flags),
	)
	return cmd
}

func newCAInitCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init <handle>",
		Short: "Create a CA without parent or resources",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			handle, err := rpkica.ParseHandle(args[0])
			if err != nil {
				return err
			}
			c, err := a.srv.InitCA(ctx, handle)
			if err != nil {
				return err
			}
			out := a.out()
			fmt.Fprintln(out, styles.FormatSuccess("CA "+handle.String()+" created"))
			printKV(out, "Key", c.Key().String())
			return nil
		}),
	}
}

func newCAShowCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <handle>",
		Short: "Show a CA, its certificate and its children",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			handle, err := rpkica.ParseHandle(args[0])
			if err != nil {
				return err
			}
			c, err := a.srv.CA(ctx, handle)
			if err != nil {
				return err
			}
			out := a.out()
			if asJSON {
				return printJSON(out, c)
			}

			fmt.Fprintln(out, styles.Title.Render(styles.IconCertificate+" "+handle.String())+" "+ui.StatusBadge(certStatus(c, time.Now())))
			printKV(out, "Version", fmt.Sprint(c.Version()))
			printKV(out, "Key", c.Key().String())
			printKV(out, "Parent", orDash(c.Parent().String()))
			if cert, ok := c.Certificate(); ok {
				printCertificate(out, cert)
			}
			printKV(out, "Delegated", c.Delegated().String())

			if children := c.Children(); len(children) > 0 {
				table := ui.NewTable("Child", "Resources", "Certificate")
				for _, h := range children {
					d, _ := c.Child(h)
					serial := "-"
					if d.Certificate != nil {
						serial = fmt.Sprintf("#%d", d.Certificate.Serial)
					}
					table.AddRow(h.String(), d.Resources.String(), serial)
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, table.Render())
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the CA state as JSON")
	return cmd
}

func newCAListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all CAs",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			handles, err := a.srv.ListCAs(ctx)
			if err != nil {
				return err
			}
			out := a.out()
			if len(handles) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No CAs yet. Create one with 'rpkica ca init <handle>'"))
				return nil
			}

			now := time.Now()
			table := ui.NewTable("Handle", "Parent", "Status", "Resources", "Children")
			for _, h := range handles {
				c, err := a.srv.CA(ctx, h)
				if err != nil {
					return err
				}
				table.AddRow(h.String(), orDash(c.Parent().String()), certStatus(c, now),
					c.Resources().String(), fmt.Sprint(len(c.Children())))
			}
			fmt.Fprintln(out, table.Render())
			return nil
		}),
	}
}

func newCATreeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the delegation tree below the trust anchor",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ []string) error {
			ta, err := a.srv.TrustAnchor(ctx)
			if err != nil {
				return err
			}
			root := ui.TreeNode{Label: ca.TrustAnchorID.String(), Detail: ta.Delegated().String()}
			seen := map[rpkica.Handle]bool{}
			for _, h := range ta.Children() {
				node, err := caNode(ctx, a, h, seen)
				if err != nil {
					return err
				}
				root.Children = append(root.Children, node)
			}

			out := a.out()
			fmt.Fprintln(out, ui.Tree(root))

			// CAs not reachable from the trust anchor.
			handles, err := a.srv.ListCAs(ctx)
			if err != nil {
				return err
			}
			var detached []string
			for _, h := range handles {
				if !seen[h] {
					detached = append(detached, h.String())
				}
			}
			if len(detached) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, styles.Subtitle.Render("Detached"))
				fmt.Fprint(out, ui.ListItems(detached))
			}
			return nil
		}),
	}
}

func caNode(ctx context.Context, a *app, h rpkica.Handle, seen map[rpkica.Handle]bool) (ui.TreeNode, error) {
	if seen[h] {
		return ui.TreeNode{}, fmt.Errorf("%s appears twice in the delegation tree", h)
	}
	seen[h] = true

	c, err := a.srv.CA(ctx, h)
	if errors.Is(err, rpkica.ErrAggregateNotFound) {
		return ui.TreeNode{Label: h.String(), Detail: "(missing)"}, nil
	}
	if err != nil {
		return ui.TreeNode{}, err
	}
	node := ui.TreeNode{Label: h.String(), Detail: c.Resources().String()}
	if _, ok := c.Certificate(); !ok {
		node.Detail = "(uncertified)"
	}
	for _, child := range c.Children() {
		n, err := caNode(ctx, a, child, seen)
		if err != nil {
			return ui.TreeNode{}, err
		}
		node.Children = append(node.Children, n)
	}
	return node, nil
}

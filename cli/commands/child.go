package commands

import (
	"context"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/spf13/cobra"
)

// NewChildCommand creates the child command
func NewChildCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "child",
		Short: "Delegate resources from a parent to a child CA",
		Long: `Delegate resources from a parent to a child CA.

The parent is either "ta" for the trust anchor or the handle of another CA.

Examples:
  rpkica child add ta alice --asn AS65000-AS65010 --ipv4 10.0.0.0/8
  rpkica child certify ta alice
  rpkica child update ta alice --ipv4 10.0.0.0/16
  rpkica child remove ta alice`,
	}
	cmd.AddCommand(
		newChildAddCommand(flags),
		newChildUpdateCommand(flags),
		newChildRemoveCommand(flags),
		newChildCertifyCommand(flags),
	)
	return cmd
}

func newChildAddCommand(flags *globalFlags) *cobra.Command {
	var res resourceFlags
	cmd := &cobra.Command{
		Use:   "add <parent> <child>",
		Short: "Add a child CA under a parent",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			h, err := parseHandles(args)
			if err != nil {
				return err
			}
			set, err := res.set()
			if err != nil {
				return err
			}
			if err := a.srv.AddChild(ctx, h[0], h[1], set); err != nil {
				return err
			}
			if err := a.settle(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out(), styles.FormatSuccess(fmt.Sprintf("%s added under %s", h[1], h[0])))
			printKV(a.out(), "Resources", set.String())
			return nil
		}),
	}
	res.register(cmd)
	return cmd
}

func newChildUpdateCommand(flags *globalFlags) *cobra.Command {
	var res resourceFlags
	cmd := &cobra.Command{
		Use:   "update <parent> <child>",
		Short: "Replace the resources delegated to a child",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			h, err := parseHandles(args)
			if err != nil {
				return err
			}
			set, err := res.set()
			if err != nil {
				return err
			}
			if err := a.srv.UpdateChildResources(ctx, h[0], h[1], set); err != nil {
				return err
			}
			if err := a.settle(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out(), styles.FormatSuccess("Resources of "+h[1].String()+" updated"))
			printKV(a.out(), "Resources", set.String())
			return nil
		}),
	}
	res.register(cmd)
	return cmd
}

func newChildRemoveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <parent> <child>",
		Short: "Withdraw a delegation and unlink the child",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			h, err := parseHandles(args)
			if err != nil {
				return err
			}
			if err := a.srv.RemoveChild(ctx, h[0], h[1]); err != nil {
				return err
			}
			if err := a.settle(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out(), styles.FormatSuccess(fmt.Sprintf("%s removed from %s", h[1], h[0])))
			return nil
		}),
	}
}

func newChildCertifyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "certify <parent> <child>",
		Short: "Issue a certificate for the child's current entitlement",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			h, err := parseHandles(args)
			if err != nil {
				return err
			}
			cert, err := a.srv.CertifyChild(ctx, h[0], h[1])
			if err != nil {
				return err
			}
			if err := a.settle(ctx); err != nil {
				return err
			}
			out := a.out()
			fmt.Fprintln(out, styles.FormatSuccess(styles.IconCertificate+" Certificate issued to "+h[1].String()))
			printCertificate(out, *cert)
			return nil
		}),
	}
}

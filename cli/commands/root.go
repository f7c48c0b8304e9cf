// Package commands provides the CLI command implementations for rpkica.
package commands

import (
	"fmt"
	"os"

	"github.com/AshkanYarmoradi/go-rpkica/cli/styles"
	"github.com/AshkanYarmoradi/go-rpkica/cli/ui"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the root command for the rpkica CLI
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rpkica",
		Short: "RPKI certificate authority",
		Long: ui.SimpleBanner() + `

rpkica runs a trust anchor and a tree of certificate authorities below it.
Every change is recorded as a command in an event-sourced log, so the state
of each CA can be replayed and its history inspected.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("rpkica init") + `                          Create rpkica.yaml
  ` + styles.Code.Render("rpkica ta init") + `                       Create the trust anchor
  ` + styles.Code.Render("rpkica ca init alice") + `                 Create a CA
  ` + styles.Code.Render("rpkica child add ta alice --ipv4 10.0.0.0/8") + `
  ` + styles.Code.Render("rpkica child certify ta alice") + `
  ` + styles.Code.Render("rpkica ca tree") + `                       Show the hierarchy`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.noColor || os.Getenv("NO_COLOR") != "" {
				styles.DisableColors()
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to rpkica.yaml (default: nearest in parent directories)")
	pf.BoolVar(&flags.noColor, "no-color", false, "Disable colored output")
	pf.BoolVar(&flags.trace, "trace", false, "Print OpenTelemetry spans to stderr")
	pf.StringVar(&flags.actor, "actor", "", "Actor recorded with every command")
	pf.StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")
	pf.BoolVar(&flags.noDrain, "no-drain", false, "Leave side effects queued instead of delivering them before exit")
	pf.DurationVar(&flags.timeout, "timeout", 0, "Abandon a command that runs longer than this, e.g. 30s (0 means no limit)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewTrustAnchorCommand(flags))
	rootCmd.AddCommand(NewCACommand(flags))
	rootCmd.AddCommand(NewChildCommand(flags))
	rootCmd.AddCommand(NewHistoryCommand(flags))
	rootCmd.AddCommand(NewCommandDetailsCommand(flags))
	rootCmd.AddCommand(NewQueueCommand(flags))
	rootCmd.AddCommand(NewDiagnoseCommand(flags))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}

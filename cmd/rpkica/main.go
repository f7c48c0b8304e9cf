// rpkica is the command-line interface for the rpkica certificate authority.
//
// Usage:
//
//	rpkica <command> [flags]
//
// Commands:
//
//	init        Create an rpkica.yaml configuration
//	ta          Create and inspect the trust anchor
//	ca          Create, list and inspect CAs
//	child       Delegate resources and certify children
//	history     Show the command history of a CA
//	command     Show one recorded command with its events
//	queue       Deliver and inspect queued side effects
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Set up a disk-backed CA in the current directory
//	rpkica init --non-interactive
//
//	# Create the trust anchor and a CA below it
//	rpkica ta init
//	rpkica ca init alice
//	rpkica child add ta alice --asn AS65000 --ipv4 10.0.0.0/8
//	rpkica child certify ta alice
//
//	# Inspect what happened
//	rpkica ca tree
//	rpkica history alice
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-rpkica/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

package commands

import (
	"fmt"
	"runtime"

	"github.com/AshkanYarmoradi/go-rpkica/cli/ui"
	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			table := ui.NewTable("Component", "Value")
			table.AddRow("Version", version)
			table.AddRow("Commit", commit)
			table.AddRow("Built", buildDate)
			table.AddRow("Go", runtime.Version())
			table.AddRow("Platform", runtime.GOOS+"/"+runtime.GOARCH)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.SimpleBanner())
			fmt.Fprintln(out, table.Render())
		},
	}
}

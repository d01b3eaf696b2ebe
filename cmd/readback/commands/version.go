package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gogpu/readback"
)

func newVersionCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(c.out, "readback v%s\n", readback.Version)
			fmt.Fprintf(c.out, "Go version: %s\n", runtime.Version())
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/readback/internal/kernels"
)

func newKernelsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List the embedded kernels",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range kernels.Names() {
				marker := " "
				if name == kernels.Default {
					marker = "*"
				}
				fmt.Fprintf(c.out, "%s %s\n", marker, name)
			}
		},
	}
}

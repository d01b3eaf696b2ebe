package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/readback"
)

func newRunCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Dispatch the kernel once and print its result",
		Args:  cobra.NoArgs,
		RunE:  c.runKernel,
	}
}

func (c *cli) runKernel(cmd *cobra.Command, _ []string) error {
	backends, err := c.backends()
	if err != nil {
		return err
	}
	source, err := c.kernelSource()
	if err != nil {
		return err
	}

	report, err := readback.Run(cmd.Context(), source,
		readback.WithBackends(backends...),
		readback.WithEntryPoint(c.v.GetString(keyEntryPoint)),
		readback.WithOnAdapter(func(info readback.AdapterInfo) {
			fmt.Fprintf(c.out, "Adapter: %s\n", info.Name)
		}),
	)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Result: %d\n", report.Value)
	return nil
}

package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gogpu/readback"
)

func newAdaptersCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List the adapters of the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backends, err := c.backends()
			if err != nil {
				return err
			}
			adapters := readback.EnumerateAdapters(readback.WithBackends(backends...))
			if len(adapters) == 0 {
				fmt.Fprintln(c.out, "no adapters found")
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tTYPE\tNAME")
			for _, a := range adapters {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Backend, a.Type, a.Name)
			}
			return tw.Flush()
		},
	}
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/beamyard/internal/gather"
)

func newFactoriesCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "factories",
		Short: "List fusion strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tSTEPS\tDESCRIPTION")
			for _, f := range gather.Factories() {
				steps := f.Instructions()
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", f.ID, f.Label, len(steps), f.Description)
				if verbose {
					for i, in := range steps {
						fmt.Fprintf(w, "\t  %d. %s\t%s\t\n", i+1, gather.LabelOf(in), in.Kind())
					}
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list each strategy's steps")
	return cmd
}

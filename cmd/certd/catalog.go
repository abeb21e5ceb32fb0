package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skillvergence/skillvergence-cert-go/internal/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect course catalogs",
}

// catalogValidateCmd checks a catalog document against the embedded schema before it is deployed.
var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a catalog file, or the embedded default catalog when no path is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat := catalog.Default()
		if len(args) == 1 {
			var err error
			if cat, err = catalog.Load(args[0], nil); err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "catalog %s: %d courses\n", cat.Version(), len(cat.Courses()))
		for _, c := range cat.Courses() {
			fmt.Fprintf(out, "  %-4s %-40s %d videos\n", c.CourseID, c.Title, c.Expected())
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dicom2svr/pkg/dicomscan"
)

func newScanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan DIR",
		Short: "List the DICOM series in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			series, err := dicomscan.NewScanner().Scan(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-8s %-9s %-9s %-6s %s\n", "SERIES", "FILES", "THICK", "MOD", "DESCRIPTION")
			for _, s := range series {
				fmt.Fprintf(out, "%-8d %-9d %-9.2f %-6s %s\n",
					s.Number, len(s.Instances), s.SliceThickness, s.Modality, s.Description)
			}
			fmt.Fprintf(out, "\n%d series\n", len(series))
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dicom2svr/pkg/qc"
	"dicom2svr/pkg/visualization"
)

func newQCCmd(root *rootOptions) *cobra.Command {
	var previews, report string
	cmd := &cobra.Command{
		Use:   "qc FILE",
		Short: "Print intensity statistics of a NIfTI volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, vol, err := qc.Analyze(args[0])
			if err != nil {
				return err
			}

			if previews != "" {
				viewer, err := visualization.NewViewer(vol, 0)
				if err != nil {
					return err
				}
				if r.Previews, err = viewer.SavePreviews(previews); err != nil {
					return err
				}
			}
			if report != "" {
				if err := qc.WriteReport(r, report); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Volume: %s\n", r.Path)
			fmt.Fprintf(out, "Dimensions: %d x %d x %d x %d\n", r.Dims[0], r.Dims[1], r.Dims[2], r.Dims[3])
			fmt.Fprintf(out, "Voxel size: %.3f x %.3f x %.3f mm\n", r.VoxelSize[0], r.VoxelSize[1], r.VoxelSize[2])
			fmt.Fprintln(out, "\nIntensity statistics:")
			fmt.Fprintln(out, "=====================")
			fmt.Fprintf(out, "Min / Max: %.3f / %.3f\n", r.Stats.Min, r.Stats.Max)
			fmt.Fprintf(out, "Mean: %.3f (std %.3f)\n", r.Stats.Mean, r.Stats.StdDev)
			fmt.Fprintf(out, "Median: %.3f\n", r.Stats.Median)
			fmt.Fprintf(out, "P1 / P99: %.3f / %.3f\n", r.Stats.P01, r.Stats.P99)
			fmt.Fprintf(out, "Entropy: %.3f bits\n", r.Stats.Entropy)
			fmt.Fprintf(out, "Foreground: %.2f%%\n", r.Stats.Foreground*100)
			if r.Stats.NonFinite > 0 {
				fmt.Fprintf(out, "Non-finite voxels: %d\n", r.Stats.NonFinite)
			}
			for _, p := range r.Previews {
				fmt.Fprintf(out, "Preview: %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&previews, "previews", "", "Directory to write PNG previews to")
	cmd.Flags().StringVar(&report, "report", "", "Write the JSON report to this file")
	return cmd
}

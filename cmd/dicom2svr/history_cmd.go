package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"dicom2svr/internal/models"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var outDir string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show previous runs for an output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(outDir)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, dir)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("no state database configured")
			}
			defer func() { _ = store.Close() }()

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			shown := 0
			for _, r := range runs {
				if r.OutDir != dir {
					continue
				}
				shown++
				fmt.Fprintf(out, "%s  %s  %s\n", r.Started.Local().Format(time.DateTime), r.Status, r.ID)
				steps, err := store.Steps(cmd.Context(), r.ID)
				if err != nil {
					return err
				}
				for _, s := range steps {
					line := fmt.Sprintf("  - %-12s %s", s.Name, s.Status)
					if !s.Finished.IsZero() && s.Status != models.StatusSkipped {
						line += fmt.Sprintf(" %s", s.Finished.Sub(s.Started).Round(time.Millisecond))
					}
					if s.Error != "" {
						line += "  " + s.Error
					}
					fmt.Fprintln(out, line)
				}
			}
			if shown == 0 {
				fmt.Fprintf(out, "No runs recorded for %s\n", dir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory of the runs")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to look at")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

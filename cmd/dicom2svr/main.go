// Command dicom2svr turns a fetal brain MRI study into a slice-to-volume
// reconstruction by driving dcm2niix, MIRTK/SVRTK and nii2dcm.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	xlog "dicom2svr/internal/log"
	"dicom2svr/pkg/config"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dicom2svr",
		Short:         "Reconstruct fetal brain MRI stacks into a single volume",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			xlog.Reconfigure(xlog.Config{Level: opts.logLevel, Output: logOutput(cmd)})
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newScanCmd(opts),
		newQCCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(),
	)
	return root
}

// logOutput leaves the process stderr to the logger's terminal detection.
func logOutput(cmd *cobra.Command) io.Writer {
	if w := cmd.ErrOrStderr(); w != os.Stderr {
		return w
	}
	return nil
}

// loadConfig reads the configuration and raises the log level when the file
// asks for verbose output and no level was given on the command line.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Output.Verbose && o.logLevel == "" {
		xlog.Reconfigure(xlog.Config{Level: "debug", Output: logOutput(cmd)})
	}
	return cfg, nil
}

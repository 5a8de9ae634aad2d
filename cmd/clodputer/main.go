// Command clodputer is the thin CLI surface over the engine. The
// packages under internal/ carry the real logic and test coverage;
// this binary only wires flags to them.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// exitError carries the process exit code for a failure class:
// 1 validation/configuration, 2 runtime, 3 diagnostics, 130
// interrupted. A command that returns a plain error falls back to
// exit code 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "clodputer",
		Short:         "Run Claude Code tasks on a schedule, on a file event, or on demand",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.clodputer/config.yaml)")

	root.AddCommand(
		newRunCmd(&cfgFile),
		newQueueCmd(&cfgFile),
		newStatusCmd(&cfgFile),
		newLogsCmd(&cfgFile),
		newInstallCmd(&cfgFile),
		newUninstallCmd(&cfgFile),
		newSchedulePreviewCmd(&cfgFile),
		newWatchCmd(&cfgFile),
		newDoctorCmd(&cfgFile),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the clodputer version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

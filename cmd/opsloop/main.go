// Command opsloop runs the autonomous operations control loop.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "opsloop",
		Short: "Autonomous operations control loop",
		Long: "opsloop observes a service's health signals, classifies issues, plans remediations,\n" +
			"validates them in trial environments, applies what is safe and learns from the outcome.",
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "opsloop.json", "Path to config file (.json, .toml, .yaml)")

	root.AddCommand(
		newRunCmd(flags),
		newOnceCmd(flags),
		newScoresCmd(flags),
		newValidateConfigCmd(flags),
		newApproveCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "opsloop v%s (built %s)\n", version, buildTime)
			fmt.Fprintln(out, "Autonomous operations control loop")
		},
	}
}

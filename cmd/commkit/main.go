// Package main implements the commkit CLI.
package main

import (
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"commkit/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "commkit",
	Short: "Communicator lifecycle and flight recorder toolkit",
	Long: `commkit manages collective-communication handles, records in-flight
operations in a bounded flight recorder, and renders the resulting
diagnostic dumps for post-mortem analysis.`,
	PersistentPreRunE: setupSession,
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().String("config", "", "path to a commkit.toml (default: search upward from the working directory)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupSession wires the process-wide logger and color handling from the
// persistent flags before any subcommand runs.
func setupSession(cmd *cobra.Command, args []string) error {
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	colorValue, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return err
	}
	colorMode, err := readTriState("color", colorValue)
	if err != nil {
		return err
	}
	color.NoColor = !shouldColor(colorMode, os.Stdout)
	return nil
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

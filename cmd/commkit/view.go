package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"commkit/internal/ui"
)

var viewCmd = &cobra.Command{
	Use:   "view [flags] [dump-file]",
	Short: "Browse a diagnostic dump interactively",
	Long: `View opens a flight-recorder dump in an interactive table. Enter shows
the full field list of the selected entry, including captured call
stacks. Without a file argument it opens the configured rank-0 dump
path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: viewExecution,
}

func init() {
	viewCmd.Flags().Bool("only-active", false, "hide retired entries")
}

func viewExecution(cmd *cobra.Command, args []string) error {
	onlyActive, err := cmd.Flags().GetBool("only-active")
	if err != nil {
		return err
	}
	if !isTerminal(os.Stdout) {
		return fmt.Errorf("view needs a terminal; use inspect for plain output")
	}
	path, err := resolveDumpPath(cmd, args)
	if err != nil {
		return err
	}
	doc, err := loadDump(path)
	if err != nil {
		return err
	}
	records := entryRecords(dumpEntries(doc, onlyActive))
	model := ui.NewBrowserModel("commkit view "+path, records)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	if _, err := program.Run(); err != nil {
		return err
	}
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"commkit/internal/flight"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [flags] [dump-file]",
	Short: "Render a diagnostic dump",
	Long: `Inspect decodes a flight-recorder dump (msgpack or JSON) and renders
it for reading. Without a file argument it opens the configured rank-0
dump path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: inspectExecution,
}

func init() {
	inspectCmd.Flags().Bool("json", false, "emit the decoded document as indented JSON")
	inspectCmd.Flags().Bool("only-active", false, "hide retired entries")
	inspectCmd.Flags().Bool("stacks", false, "include captured call stacks")
}

func inspectExecution(cmd *cobra.Command, args []string) error {
	jsonOut, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	onlyActive, err := cmd.Flags().GetBool("only-active")
	if err != nil {
		return err
	}
	stacks, err := cmd.Flags().GetBool("stacks")
	if err != nil {
		return err
	}

	path, err := resolveDumpPath(cmd, args)
	if err != nil {
		return err
	}
	doc, err := loadDump(path)
	if err != nil {
		return err
	}

	if jsonOut {
		if onlyActive {
			if _, ok := doc[flight.KeyEntries]; ok {
				entries := dumpEntries(doc, true)
				filtered := make([]any, len(entries))
				for i, e := range entries {
					filtered[i] = e
				}
				doc[flight.KeyEntries] = filtered
			}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	renderDumpPretty(cmd.OutOrStdout(), path, doc, onlyActive, stacks)
	return nil
}

// resolveDumpPath picks the dump to open: the argument when given, the
// configured rank-0 path otherwise.
func resolveDumpPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return cfg.Dump.FilePrefix + "0", nil
}

func renderDumpPretty(out io.Writer, path string, doc map[string]any, onlyActive, stacks bool) {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	fmt.Fprintf(out, "%s %s\n", bold.Sprint("dump"), path)
	fmt.Fprintf(out, "schema version %s\n", asString(doc[flight.KeyVersion]))

	if cfgs := asMap(doc[flight.KeyPGConfig]); len(cfgs) > 0 {
		fmt.Fprintf(out, "\n%s\n", bold.Sprint("groups"))
		for _, name := range sortedKeys(cfgs) {
			fields := asMap(cfgs[name])
			desc := asString(fields["desc"])
			if desc != "" {
				desc = " (" + desc + ")"
			}
			fmt.Fprintf(out, "  %s%s  ranks %s\n", name, desc, asString(fields["ranks"]))
		}
	}

	if statuses := asMap(doc[flight.KeyPGStatus]); len(statuses) > 0 {
		fmt.Fprintf(out, "\n%s\n", bold.Sprint("progress"))
		for _, gid := range sortedKeys(statuses) {
			st := asMap(statuses[gid])
			fmt.Fprintf(out, "  group %s  enqueued %s  started %s  completed %s\n",
				gid,
				asString(st[flight.KeyLastEnqueued]),
				asString(st[flight.KeyLastStarted]),
				asString(st[flight.KeyLastCompleted]))
		}
	}

	if comms := asMap(doc[flight.KeyCommState]); len(comms) > 0 {
		fmt.Fprintf(out, "\n%s\n", bold.Sprint("communicators"))
		for _, name := range sortedKeys(comms) {
			fields := asMap(comms[name])
			fmt.Fprintf(out, "  %s", name)
			for _, k := range sortedKeys(fields) {
				if k == "group" {
					continue
				}
				fmt.Fprintf(out, "  %s=%s", k, asString(fields[k]))
			}
			fmt.Fprintln(out)
		}
	}

	entries := dumpEntries(doc, onlyActive)
	if len(entries) == 0 {
		fmt.Fprintf(out, "\nno entries recorded\n")
		return
	}
	fmt.Fprintf(out, "\n%s (%d)\n", bold.Sprint("entries"), len(entries))

	nameW := 16
	for _, e := range entries {
		if w := runewidth.StringWidth(asString(e[flight.KeyProfilingName])); w > nameW {
			nameW = w
		}
	}
	if nameW > 32 {
		nameW = 32
	}
	header := fmt.Sprintf("  %s %s %s %s %s %s %s",
		runewidth.FillRight("id", 6),
		runewidth.FillRight("group", 6),
		runewidth.FillRight("seq", 5),
		runewidth.FillRight("name", nameW),
		runewidth.FillRight("state", 10),
		runewidth.FillRight("duration", 10),
		"retired")
	fmt.Fprintln(out, dim.Sprint(header))
	for _, e := range entries {
		retired := ""
		if asBool(e[flight.KeyRetired]) {
			retired = "yes"
		}
		fmt.Fprintf(out, "  %s %s %s %s %s %s %s\n",
			runewidth.FillRight(asString(e[flight.KeyRecordID]), 6),
			runewidth.FillRight(groupName(e), 6),
			runewidth.FillRight(seqLabel(e), 5),
			runewidth.FillRight(runewidth.Truncate(asString(e[flight.KeyProfilingName]), nameW, "…"), nameW),
			stateCell(asString(e[flight.KeyState])),
			runewidth.FillRight(durationLabel(e), 10),
			retired)
		if stacks {
			for _, f := range frameLines(e) {
				fmt.Fprintf(out, "      %s\n", dim.Sprint(f))
			}
		}
	}
}

func stateCell(state string) string {
	cell := runewidth.FillRight(state, 10)
	switch state {
	case flight.StateCompleted:
		return color.GreenString("%s", cell)
	case flight.StateStarted:
		return color.YellowString("%s", cell)
	default:
		return color.CyanString("%s", cell)
	}
}

package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joshuapare/nurserykit/heap/trace"
)

var traceEvents bool

func init() {
	cmd := newTraceCmd()
	cmd.Flags().BoolVar(&traceEvents, "events", false, "Print every event instead of a summary")
	rootCmd.AddCommand(cmd)
}

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Decode an allocation trace",
		Long: `The trace command decodes the msgpack event stream written when
trace_path is configured, and summarises it by event kind.

Example:
  regionctl trace alloc.trace
  regionctl trace alloc.trace --events
  regionctl trace alloc.trace --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(args)
		},
	}
	return cmd
}

// KindCount is one row of the trace summary.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

func runTrace(args []string) error {
	path := args[0]
	printVerbose("Reading trace: %s\n", path)

	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer f.Close()

	events, err := trace.ReadAll(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if traceEvents {
		if jsonOut {
			return printJSON(events)
		}
		for _, ev := range events {
			printInfo("%-14s thread=%d addr=%#x size=%d", ev.Kind, ev.Thread, ev.Addr, ev.Size)
			if ev.VTable != 0 {
				printInfo(" vtable=%#x", ev.VTable)
			}
			if ev.Provenance != 0 {
				printInfo(" provenance=%d", ev.Provenance)
			}
			if ev.Reason != "" {
				printInfo(" reason=%s", ev.Reason)
			}
			printInfo("\n")
		}
		return nil
	}

	summary := summarize(events)
	if jsonOut {
		return printJSON(summary)
	}
	printInfo("\nTrace: %s (%d events)\n", path, len(events))
	for _, row := range summary {
		printInfo("  %-14s %10d  %12d bytes\n", row.Kind, row.Count, row.Bytes)
	}
	return nil
}

func summarize(events []trace.Event) []KindCount {
	byKind := map[trace.Kind]*KindCount{}
	for _, ev := range events {
		row, ok := byKind[ev.Kind]
		if !ok {
			row = &KindCount{Kind: ev.Kind.String()}
			byKind[ev.Kind] = row
		}
		row.Count++
		row.Bytes += int64(ev.Size)
	}
	kinds := make([]trace.Kind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	out := make([]KindCount, len(kinds))
	for i, k := range kinds {
		out[i] = *byKind[k]
	}
	return out
}

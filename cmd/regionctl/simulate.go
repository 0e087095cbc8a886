package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/joshuapare/nurserykit/heap"
	"github.com/joshuapare/nurserykit/heap/report"
	"github.com/joshuapare/nurserykit/heap/workload"
)

var (
	simParams = workload.Params{Threads: 1, Iterations: 1000, Depth: 6, Regions: true}
	simLang   string
)

func init() {
	cmd := newSimulateCmd()
	f := cmd.Flags()
	f.IntVarP(&simParams.Threads, "threads", "t", simParams.Threads, "Mutator threads")
	f.IntVarP(&simParams.Iterations, "iterations", "n", simParams.Iterations, "Loop iterations per thread")
	f.IntVarP(&simParams.Depth, "depth", "d", simParams.Depth, "Depth of the tree built per iteration")
	f.BoolVar(&simParams.Regions, "regions", simParams.Regions, "Wrap each iteration in a region")
	f.BoolVar(&simParams.Return, "return", simParams.Return, "Build each tree in a nested region that returns its root")
	f.IntVar(&simParams.EscapeEvery, "escape-every", simParams.EscapeEvery, "Publish every Nth tree to the old generation")
	f.StringVar(&simLang, "lang", "en", "Locale for number formatting in the report")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an allocation workload against a simulated heap",
		Long: `The simulate command opens a heap with the loaded configuration, runs
the tree-building loop workload on it, and reports allocator, region and
collector statistics.

Example:
  regionctl simulate
  regionctl simulate --threads 4 --iterations 10000 --escape-every 100
  regionctl simulate --regions=false --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context())
		},
	}
	return cmd
}

// SimulateOutput is the JSON shape of a run.
type SimulateOutput struct {
	Params workload.Params `json:"params"`
	Result workload.Result `json:"result"`
	Stats  heap.Stats      `json:"stats"`
}

func runSimulate(ctx context.Context) (err error) {
	tag, err := language.Parse(simLang)
	if err != nil {
		return fmt.Errorf("invalid --lang: %w", err)
	}

	h, err := heap.Open(fsys, conf)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	printVerbose("Running %d thread(s) x %d iteration(s), depth %d, regions=%t\n",
		simParams.Threads, simParams.Iterations, simParams.Depth, simParams.Regions)

	res, err := workload.Run(ctx, h, simParams)
	if err != nil {
		return err
	}
	st := h.Stats()

	if jsonOut {
		return printJSON(SimulateOutput{Params: simParams, Result: res, Stats: st})
	}

	printInfo("\nWorkload:\n")
	printInfo("  Trees:    %d\n", res.Trees)
	printInfo("  Objects:  %d\n", res.Objects)
	printInfo("  Escaped:  %d\n", res.Escaped)
	printInfo("  Duration: %s\n", res.Duration.Round(time.Microsecond))
	if quiet {
		return nil
	}
	fmt.Fprintln(os.Stdout)
	return report.Write(os.Stdout, st, tag)
}

package main

import (
	"context"
	"encoding/json"
	"testing"
)

func resetSimFlags(t *testing.T) {
	t.Helper()
	orig := simParams
	simParams.Threads, simParams.Iterations, simParams.Depth = 2, 50, 3
	simParams.Regions, simParams.Return, simParams.EscapeEvery = true, false, 0
	simLang = "en"
	t.Cleanup(func() { simParams = orig })
}

func TestSimulateCommand_Report(t *testing.T) {
	useMemFs(t)
	resetSimFlags(t)

	output, err := captureOutput(t, func() error { return runSimulate(context.Background()) })
	if err != nil {
		t.Fatalf("runSimulate() error = %v", err)
	}
	assertContains(t, output, []string{"Workload:", "Trees:    100", "Objects:  700", "Regions", "Collector"})
}

func TestSimulateCommand_JSON(t *testing.T) {
	useMemFs(t)
	resetSimFlags(t)
	jsonOut = true
	simParams.EscapeEvery = 10

	output, err := captureOutput(t, func() error { return runSimulate(context.Background()) })
	if err != nil {
		t.Fatalf("runSimulate() error = %v", err)
	}
	assertJSON(t, output)

	var out SimulateOutput
	if err := json.Unmarshal([]byte(output), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result.Trees != 100 {
		t.Errorf("trees = %d, want 100", out.Result.Trees)
	}
	if out.Result.Escaped != 10 {
		t.Errorf("escaped = %d, want 10", out.Result.Escaped)
	}
	if out.Stats.Alloc.RegionsEntered == 0 {
		t.Error("expected region activity in stats")
	}
}

func TestSimulateCommand_Errors(t *testing.T) {
	useMemFs(t)
	resetSimFlags(t)

	simLang = "!!"
	if err := runSimulate(context.Background()); err == nil {
		t.Error("expected error for bad locale")
	}

	simLang = "en"
	simParams.Depth = 0
	if _, err := captureOutput(t, func() error { return runSimulate(context.Background()) }); err == nil {
		t.Error("expected error for invalid workload")
	}

	simParams.Depth = 3
	conf.NurserySize = -1
	if err := runSimulate(context.Background()); err == nil {
		t.Error("expected error for invalid config")
	}
}

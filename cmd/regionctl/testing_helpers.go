package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/joshuapare/nurserykit/config"
)

// useMemFs points every command at an in-memory filesystem and resets global flags.
func useMemFs(t *testing.T) afero.Fs {
	t.Helper()
	orig := fsys
	mem := afero.NewMemMapFs()
	fsys = mem
	quiet, verbose, jsonOut = false, false, false
	configPath, logLevel = "", ""
	conf = testConfig()
	t.Cleanup(func() { fsys = orig })
	return mem
}

// testConfig is a heap small enough for quick simulations.
func testConfig() config.Config {
	c := config.Default
	c.NurserySize = 512 << 10
	c.MajorSize = 1 << 20
	c.LOSSize = 128 << 10
	c.StackSize = 4096
	c.MaxThreads = 4
	return c
}

// writeFile stores content on fs or fails the test.
func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return string(<-done), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result interface{}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}

// assertNotContains checks that output doesn't contain unwanted strings
func assertNotContains(t *testing.T, output string, unwanted []string) {
	t.Helper()
	for _, dont := range unwanted {
		if strings.Contains(output, dont) {
			t.Errorf("output contains unwanted string %q\nGot: %s", dont, output)
		}
	}
}

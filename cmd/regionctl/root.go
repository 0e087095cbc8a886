package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/joshuapare/nurserykit/config"
	"github.com/joshuapare/nurserykit/internal/logger"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	configPath string
	logLevel   string

	// fsys is where every command reads and writes files. Tests swap in a MemMapFs.
	fsys afero.Fs = afero.NewOsFs()

	// conf is loaded before any command runs.
	conf config.Config
)

var rootCmd = &cobra.Command{
	Use:   "regionctl",
	Short: "Instrument loop regions and simulate region-reclaimed nursery allocation",
	Long: `regionctl drives the nurserykit allocator and its loop region pass.
It inserts region_enter/region_exit calls into control-flow graphs, runs
allocation workloads against a simulated nursery, and decodes the
allocator's trace stream.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "Config file (default: ./nurserykit.yaml, ~/.nurserykit/config.yaml)")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and starts logging.
func setup(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	opts := conf.LoggerOptions()
	opts.Enabled = verbose || logLevel != ""
	return logger.Init(opts)
}

func loadConfig() error {
	if err := config.Load(fsys, configPaths(), &conf); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if conf.OriginalPath != "" {
		printVerbose("Using config: %s\n", conf.OriginalPath)
	}
	return nil
}

func configPaths() []string {
	if configPath != "" {
		return []string{configPath}
	}
	paths := []string{"nurserykit.yaml", "nurserykit.json"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".nurserykit", "config.yaml"))
	}
	return paths
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

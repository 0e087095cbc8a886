package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/nurserykit/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	rootCmd.AddCommand(cmd)
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration",
		Long: `The init command writes the default configuration, with any
NURSERYKIT_* environment overrides applied, to path. Files ending in
.yaml or .yml are written as YAML, anything else as JSON.

Example:
  regionctl config init nurserykit.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(args)
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
}

func runConfigInit(args []string) error {
	path := args[0]
	if _, err := fsys.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	var c config.Config
	if err := config.WriteDefault(fsys, path, &c); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	printInfo("Wrote %s\n", path)
	return nil
}

func runConfigShow() error {
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: configuration is invalid: %v\n", err)
	}
	if jsonOut {
		return printJSON(conf)
	}
	if conf.OriginalPath != "" {
		printInfo("# loaded from %s\n", conf.OriginalPath)
	} else {
		printInfo("# defaults\n")
	}
	if quiet {
		return nil
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(conf); err != nil {
		return err
	}
	return enc.Close()
}

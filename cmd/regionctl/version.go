package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Set at link time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// VersionInfo is what the version command reports.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Built     string `json:"built"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Version:   version,
				Commit:    commit,
				Built:     date,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			if jsonOut {
				return printJSON(info)
			}
			printInfo("regionctl %s\n", info.Version)
			printInfo("  commit: %s\n", info.Commit)
			printInfo("  built:  %s\n", info.Built)
			printInfo("  go:     %s %s\n", info.GoVersion, info.Platform)
			return nil
		},
	})
}

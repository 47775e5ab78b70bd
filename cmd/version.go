package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// versionCmd prints the build information baked in at release time
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		version := cfg.VersionInfo.BuildVersion
		if version == "" {
			version = "dev"
		}
		fmt.Println("Version:", version)
		if cfg.VersionInfo.BuildCommit != "" {
			fmt.Println("Commit:", cfg.VersionInfo.BuildCommit)
		}
		if cfg.VersionInfo.BuildDate != "" {
			fmt.Println("Date:", cfg.VersionInfo.BuildDate)
		}
		goVersion := cfg.VersionInfo.GoVersion
		if goVersion == "" {
			goVersion = runtime.Version()
		}
		fmt.Println("Go:", goVersion)
	},
}

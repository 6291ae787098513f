package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/quotagate/quotagate/internal/config"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "QuotaGate - tenant resource quota admission control",
	Long: `QuotaGate enforces per-tenant resource quotas for a multi-tenant service.

Every resource creation reserves a unit against the tenant's tier limit with a
single atomic conditional write, so concurrent requests can never push a
tenant past its limit.

Usage:
  quotagate [command] [flags]

Available Commands:
  serve         Start the QuotaGate HTTP server (main mode)
  migrate       Apply the tenant store schema
  tenant        Provision and inspect tenant accounts
  reserve       Reserve one unit of a resource for a tenant
  release       Release one unit of a resource for a tenant
  roll-windows  Roll the monthly expense window of every tenant

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to SQLite database (overrides config)
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "quotagate [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", config.ResolvePath(), "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", "", "Path to SQLite database (overrides config)")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of QuotaGate",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

func printVersion(cmd *cobra.Command) {
	info := GetVersionInfo()
	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		_ = writeJSON(out, info)
		return
	}
	fmt.Fprintln(out, "QuotaGate Version:", info.Version)
	fmt.Fprintln(out, "Go Version:", info.GoVersion)
	fmt.Fprintln(out, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(out, "Build Date:", info.BuildDate)
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}

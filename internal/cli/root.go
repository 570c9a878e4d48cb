package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/firetree/firetree/internal/config"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	Verbose bool
	JSON    bool
}

// NewRootCmd builds the command tree. Each call returns an independent tree
// with its own flag state.
func NewRootCmd() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "firetree",
		Short: "firetree - authenticated client for Realtime Database REST APIs",
		Long: `firetree signs service-account assertions, exchanges them for access
tokens and issues authenticated reads and writes against a JSON tree database.

Usage:
  firetree [command] [flags]

Available Commands:
  token      Acquire an access token and print its details
  assertion  Print a freshly signed service-account assertion
  get        Read the value at a path
  put        Replace the value at a path
  post       Append a child with a generated key
  patch      Merge fields into the value at a path
  delete     Remove the value at a path
  emulate    Run a local database and token endpoint

Credentials come from the config file or, when it names none, from
FIRETREE_SERVICE_ACCOUNT, FIRETREE_PRIVATE_KEY and FIRETREE_DATABASE_URL.

Use "firetree [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	root.PersistentFlags().StringVar(&flags.Config, "config", configPath, "Path to configuration file")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "Output in JSON format")

	root.AddCommand(
		newVersionCmd(),
		newTokenCmd(flags),
		newAssertionCmd(flags),
		newEmulateCmd(flags),
	)
	root.AddCommand(newDataCmds(flags)...)
	return root
}

const defaultConfigPath = "firetree.yaml"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of firetree",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// printVersion prints the version information
func printVersion(w io.Writer) {
	info := GetVersionInfo()
	fmt.Fprintln(w, "firetree Version:", info.Version)
	fmt.Fprintln(w, "Go Version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build Date:", info.BuildDate)
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string
	GoVersion string
	OS        string
	Arch      string
	BuildDate string
}

// Set at link time with -ldflags "-X".
var (
	version   = "0.1.0"
	buildDate = "unknown"
)

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: buildDate,
	}
}

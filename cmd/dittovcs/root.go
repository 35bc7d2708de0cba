package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
)

func versionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}

// newRootCmd builds the command tree. Each call returns a fresh tree so
// tests can execute commands without sharing flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dittovcs",
		Short: "Smart server for dittovcs repositories",
		Long: `dittovcs serves branches and repositories to remote clients over the
smart protocol, either on a TCP port or over stdin/stdout when started by
inetd or an ssh forced command.

Examples:
  dittovcs init                        Write a sample configuration file
  dittovcs serve --directory /repos    Serve /repos read-only on port 4155
  dittovcs serve --inet --allow-writes Serve one client over stdin/stdout
  dittovcs call 127.0.0.1:4155 hello   Send a single request`,
		Version:       versionString(),
		SilenceUsage:  true,
	}

	root.PersistentFlags().String("config", "", "config file (default is $XDG_CONFIG_HOME/dittovcs/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newCallCmd())
	return root
}

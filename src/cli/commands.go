// Package cli defines the capnp-lsp command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	versionpkg "capnp-lsp/src/internal/version"
)

// CLI Constants
const (
	CmdVersion = "version"
	FlagConfig = "config"
)

// CLI Variables
var (
	configPath string
)

// Root command
var rootCmd = &cobra.Command{
	Use:   "capnp-lsp",
	Short: "Language server for Cap'n Proto schemas",
	Long: `capnp-lsp speaks the Language Server Protocol over standard input and
output. It compiles .capnp files with the capnp compiler on open and
save, publishes compile errors as diagnostics, and answers
go-to-definition and completion queries from the compiler's
intermediate representation.

The server takes no positional arguments: connect an LSP client to its
stdio streams. Requires capnp 1.1 or newer on PATH or configured via
initializationOptions.capnp.compilerPath.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunServer(configPath)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   CmdVersion,
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionpkg.GetFullVersionInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, FlagConfig, "", "path to a capnp-lsp.yaml config file")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

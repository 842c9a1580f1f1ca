// Command eatsctl is the administration tool of the merneats service: it
// applies database migrations and works with passwords and session tokens
// using the same settings as the server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patric-chuzhbe/merneats/internal/config"
)

func main() {
	err := newRootCmd(loadConfig).Execute()
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}

// configLoader reads the server configuration from env, .env and CONFIG.
type configLoader func() (*config.Config, error)

func loadConfig() (*config.Config, error) {
	return config.New(config.WithDisableFlagsParsing(true))
}

func newRootCmd(load configLoader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eatsctl",
		Short: "Administration tool for the merneats service",
		Long: `eatsctl manages a merneats deployment.

Settings are read the same way the server reads them: environment
variables, a .env file and the JSON file named by CONFIG.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		migrateCmd(load),
		hashPasswordCmd(load),
		issueTokenCmd(load),
		verifyTokenCmd(load),
	)

	return rootCmd
}

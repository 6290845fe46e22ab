// Command promethea runs the conversational agent gateway: HTTP/SSE
// chat surface, per-session scheduler, tool service and long-term
// memory, configured from a layered config file plus environment.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// fatalError marks a failure that happened after startup completed.
// Startup failures exit 1; runtime fatals exit 2.
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var fatal fatalError
	if errors.As(err, &fatal) {
		return 2
	}
	return 1
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "promethea",
		Short:        "Promethea - multi-user conversational agent gateway",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildDoctorCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway with the HTTP/SSE surface, scheduler, tool
service, memory service and any enabled channel bridges. Shuts down
gracefully on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults plus environment overrides
  promethea serve

  # Start with a config file
  promethea serve --config /etc/promethea/config.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the system config file (JSON/JSON5/YAML)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the installation without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the system config file")
	return cmd
}

func defaultConfigPath() string {
	if p := os.Getenv("PROMETHEA_CONFIG"); p != "" {
		return p
	}
	return "config/default.json"
}

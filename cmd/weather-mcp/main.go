package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/weather-mcp/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// rootCmd builds the weather-mcp command. Running it with no subcommand starts the server.
func rootCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "weather-mcp",
		Short: "MCP server exposing OpenWeather current conditions, forecasts, geocoding and air quality.",
		Long: `weather-mcp serves OpenWeather data as MCP tools over streamable HTTP (/mcp)
or stdio. Health, readiness and Prometheus metrics are served over HTTP in
both modes.

Configuration is read from {config-dir}/{ENV_NAME}.yaml (optional) with
environment overrides. OPENWEATHER_API_KEY is required.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.transport, "transport", "", "MCP transport: http or stdio (overrides MCP_TRANSPORT)")
	cmd.Flags().StringVar(&opts.configDir, "config-dir", "config", "directory holding {ENV_NAME}.yaml and secrets.yaml")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")

	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "weather-mcp %s\n", version)
			return err
		},
	}
}

func validTransport(t string) bool {
	return t == config.TransportHTTP || t == config.TransportStdio
}

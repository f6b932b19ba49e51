package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nazq/tei-manager/pkg/config"
	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/metrics"
	"github.com/nazq/tei-manager/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor",
	Long: `Run loads the configuration, restores any persisted worker
instances, and starts the gRPC multiplexer and REST management surface.
It blocks until interrupted, then shuts every component down in order.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "path to a TOML config file (defaults to the first positional argument, if given)")
	serveCmd.Flags().Bool("json-logs", false, "emit structured JSON logs instead of console-formatted ones")
	serveCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().Int("api-port", 0, "override the REST management surface port")
	serveCmd.Flags().Int("grpc-port", 0, "override the gRPC multiplexer port")
	serveCmd.Flags().String("tei-binary", "", "override the text-embeddings-router binary path")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" && len(args) > 0 {
		configPath = args[0]
	}
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	logLevel, _ := cmd.Flags().GetString("log-level")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: jsonLogs,
		Output:     os.Stderr,
	})
	metrics.SetVersion(Version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing supervisor: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Logger.Info().Str("config", cfg.String()).Msg("starting tei-manager")
	return sup.Run(ctx)
}

// applyFlagOverrides layers explicitly-set CLI flags on top of cfg, which
// already reflects the TOML file and any environment variables. Flags take
// the highest precedence of the three, mirroring original_source's
// --port override in src/main.rs.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("api-port") {
		cfg.APIPort, _ = flags.GetInt("api-port")
	}
	if flags.Changed("grpc-port") {
		cfg.GRPCPort, _ = flags.GetInt("grpc-port")
	}
	if flags.Changed("tei-binary") {
		cfg.TEIBinaryPath, _ = flags.GetString("tei-binary")
	}
}

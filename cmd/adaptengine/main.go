package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "adaptengine"
	version = "v0.4.1"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// Local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Self-learning trade decision engine",
		Version: version,
		Long: `adaptengine turns scored trade candidates into sized decisions and
learns from every realized outcome: signal weights by regime, position
shaping by policy gradient, and specialist blending on top. A safety
governor has the final word on every decision.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the decision engine with its HTTP API",
		Long:  "Loads persisted learning state, starts the maintenance scheduler, and serves the local decision API.",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "config/engine.yaml", "Path to the YAML config")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay synthetic trades to watch the learners converge",
		Long: `Feeds the engine a seeded stream of synthetic candidates in which one
score component genuinely predicts outcomes, then prints the learned
weights so convergence is visible without a live feed.`,
		RunE: runSimulate,
	}
	simulateCmd.Flags().Int("trades", 200, "Number of learned trades to simulate")
	simulateCmd.Flags().Int64("seed", 42, "Deterministic seed for the run")
	simulateCmd.Flags().Int("report-every", 50, "Print the weight table every N trades")
	simulateCmd.Flags().Bool("policy", true, "Enable the position-shaping policy tier")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running engine for health and diagnostics",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("addr", "127.0.0.1:8090", "Address of the running engine")
	statusCmd.Flags().Bool("json", false, "Dump raw diagnostics JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

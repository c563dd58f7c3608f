package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Frandy/ros-vslam/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for incremental bundle adjustment",
	Long: `Start an HTTP server that accepts frame batches, runs a periodic
refinement pass, and serves graph snapshots.

The server provides the following endpoints:
  POST /v1/frame    - Ingest a batch of nodes, points and projections
  POST /v1/optimize - Run a refinement pass now
  GET  /v1/graph    - Snapshot of poses and points for visualization
  GET  /v1/cost     - Current RMS reprojection error
  GET  /healthz     - Health check endpoint
  GET  /metrics     - Prometheus metrics

Examples:
  vslam serve
  vslam serve --port 8080
  vslam serve --host 0.0.0.0 --optimize-interval 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("optimize-interval") {
			cfg.Server.OptimizeIntervalSec, _ = cmd.Flags().GetInt("optimize-interval")
		}
		if cmd.Flags().Changed("shutdown-timeout") {
			cfg.Server.ShutdownTimeoutSec, _ = cmd.Flags().GetInt("shutdown-timeout")
		}
		if cmd.Flags().Changed("workers") {
			cfg.Solver.Workers, _ = cmd.Flags().GetInt("workers")
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		srv := server.New(cfg)
		if err := srv.Run(ctx); err != nil {
			return err
		}
		slog.Info("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().Int("optimize-interval", 10, "seconds between background refinement passes (0 disables)")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Int("workers", 0, "evaluation goroutines (0 = GOMAXPROCS)")
}

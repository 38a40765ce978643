package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quashbugs/magnus/internal/config"
	"github.com/quashbugs/magnus/internal/database"
	"github.com/quashbugs/magnus/internal/gateway"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the magnus gateway daemon",
	Long: `Starts the magnus gateway: a long-running daemon that connects provider
accounts, ingests repositories, classifies them, and orchestrates scans.

The gateway exposes a local HTTP API (default: http://127.0.0.1:6090):

  GET  /health                              liveness check
  GET  /api/status                          gateway status snapshot
  GET  /api/orgs                            sync and list organisations
  GET  /api/orgs/{id}/repos                 sync and list repos
  POST /api/orgs/{id}/repos                 save a repo selection (GitLab/Bitbucket)
  PUT  /api/repos/{id}/branches             configure scan branches
  POST /api/repos/{id}/scan                 start branch analyses
  POST /api/callbacks/scan                  analysis-service scan callback
  POST /api/callbacks/pr                    analysis-service PR callback
  POST /api/webhooks/github                 GitHub webhook receiver
  GET  /api/schedules                       list cron re-sync schedules
  GET  /events                              SSE stream of live events

Example schedules:
  "0 2 * * *"   every night at 02:00
  "@every 6h"   every 6 hours
  "@daily"      once per day at midnight`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"HTTP port to listen on (default 6090, overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down gateway gracefully...")
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 6090
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	fmt.Printf("magnus gateway starting\n")
	fmt.Printf("  Workers : %d\n", cfg.Sync.Workers)
	fmt.Printf("  API     : http://127.0.0.1:%d\n", cfg.Gateway.Port)
	fmt.Printf("  Events  : http://127.0.0.1:%d/events\n\n", cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	gw, err := gateway.New(cfg, db)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}
	return gw.Start(ctx)
}

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/djlord-it/easytrigger/internal/app"
	"github.com/djlord-it/easytrigger/internal/config"
)

func serveCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, event intake and background workers",
		Long: `Start the engine. Events are accepted on POST /events and, when NATS_URL is
set, from the NATS subject NATS_SUBJECT. SIGINT or SIGTERM stops intake,
drains queued events for at most DRAIN_TIMEOUT and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logConfigWarnings(&cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{HTTP: true})
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer a.Close()

			go func() {
				<-ctx.Done()
				log.Println("easytrigger: received shutdown signal, shutting down")
			}()

			return a.Run(ctx)
		},
	}
}

// logConfigWarnings reports configurations that run but lose data or
// visibility. P0 warnings risk lost or stuck executions.
func logConfigWarnings(cfg *config.Config) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Println("easytrigger: WARNING [P0]: STORE_DRIVER=memory; triggers and the execution ledger are lost on restart")
	}

	if cfg.StoreDriver == config.DriverPostgres && !cfg.ReconcileEnabled {
		log.Println("easytrigger: WARNING [P0]: RECONCILE_ENABLED=false; executions left pending by a crash are never finalized")
	}

	if !cfg.MetricsEnabled {
		log.Println("easytrigger: WARNING [P1]: METRICS_ENABLED=false; action failures and mailbox saturation are not observable")
	}

	if cfg.CollaboratorURL != "" && cfg.CircuitBreakerThreshold == 0 {
		log.Println("easytrigger: WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0; a failing collaborator is called for every action until ACTION_TIMEOUT")
	}

	if cfg.NATSURL == "" {
		log.Println("easytrigger: INFO: NATS_URL not set; events are accepted over HTTP only")
	}

	if cfg.Workers == 1 {
		log.Println("easytrigger: INFO: WORKERS=1; events for all contacts are processed one at a time")
	}
}

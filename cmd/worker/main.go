// Command worker consumes contact events from NATS and runs triggers for
// them without serving the HTTP API. It shares configuration and storage
// with "easytrigger serve".
//
// To scale out, give each worker its own NATS_PARTITION index out of
// NATS_PARTITIONS. A contact's events then always reach the same worker and
// are handled in publish order. Workers sharing one unpartitioned queue
// group still respect cooldowns and caps, but may run two events of the
// same contact out of order.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/djlord-it/easytrigger/internal/app"
	"github.com/djlord-it/easytrigger/internal/config"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if cfg.StoreDriver == config.DriverMemory {
		// Each worker would see only its own triggers and ledger.
		log.Println("worker: WARNING - STORE_DRIVER=memory; triggers must come from RULES_FILE and rate limits are per process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{RequireNATS: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return exitRuntimeError
	}
	defer a.Close()

	log.Printf("worker: consuming %s (queue=%s)", cfg.NATSSubject, cfg.NATSQueue)
	if err := a.Run(ctx); err != nil {
		log.Printf("worker: %v", err)
		return exitRuntimeError
	}
	log.Println("worker: stopped")
	return exitSuccess
}

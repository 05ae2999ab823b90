package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/djlord-it/easytrigger/internal/cron"
	"github.com/djlord-it/easytrigger/internal/domain"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	switch cfg.StoreDriver {
	case "", DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs.add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	default:
		errs.add("STORE_DRIVER", "must be %q or %q, got %q", DriverMemory, DriverPostgres, cfg.StoreDriver)
	}

	if cfg.MigrateOnStart && cfg.StoreDriver != DriverPostgres {
		errs.add("MIGRATE_ON_START", "requires STORE_DRIVER=postgres")
	}

	// Durations must parse and be positive. Empty values take defaults at Load.
	parsed := make(map[string]time.Duration)
	for _, d := range cfg.durations() {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			errs.add(d.key, "invalid duration: %v", err)
			continue
		}
		if v <= 0 {
			errs.add(d.key, "must be positive")
			continue
		}
		parsed[d.key] = v
	}

	// A trigger may run up to MaxActionsPerTrigger actions, each bounded by
	// ACTION_TIMEOUT, before its record is finalized.
	if threshold, ok := parsed["RECONCILE_THRESHOLD"]; ok {
		if timeout, ok := parsed["ACTION_TIMEOUT"]; ok {
			longest := timeout * domain.MaxActionsPerTrigger
			if threshold <= longest {
				errs.add("RECONCILE_THRESHOLD", "must exceed ACTION_TIMEOUT x %d actions (%s), got %s",
					domain.MaxActionsPerTrigger, longest, threshold)
			}
		}
	}

	if window, ok := parsed["ANALYTICS_WINDOW"]; ok {
		switch window {
		case time.Minute, 5 * time.Minute, time.Hour:
		default:
			errs.add("ANALYTICS_WINDOW", "must be 1m, 5m or 1h, got %s", window)
		}
	}

	if cfg.ReconcileEnabled && cfg.ReconcileSchedule != "" {
		if err := cron.Validate(cfg.ReconcileSchedule); err != nil {
			errs.add("RECONCILE_SCHEDULE", "%v", err)
		}
	}

	if cfg.MetricsPath != "" && !strings.HasPrefix(cfg.MetricsPath, "/") {
		errs.add("METRICS_PATH", "must start with '/', got %q", cfg.MetricsPath)
	}

	if cfg.CollaboratorURL != "" {
		u, err := url.Parse(cfg.CollaboratorURL)
		if err != nil {
			errs.add("COLLABORATOR_URL", "invalid url: %v", err)
		} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.add("COLLABORATOR_URL", "must be an absolute http(s) url, got %q", cfg.CollaboratorURL)
		}
	}

	if cfg.NATSURL != "" && cfg.NATSSubject == "" {
		errs.add("NATS_SUBJECT", "required when NATS_URL is set")
	}
	if cfg.NATSPartition > 0 && cfg.NATSPartition >= max(cfg.NATSPartitions, 1) {
		errs.add("NATS_PARTITION", "must be below NATS_PARTITIONS (%d), got %d",
			max(cfg.NATSPartitions, 1), cfg.NATSPartition)
	}

	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns && cfg.DBMaxOpenConns > 0 {
		errs.add("DB_MAX_IDLE_CONNS", "must not exceed DB_MAX_OPEN_CONNS (%d)", cfg.DBMaxOpenConns)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

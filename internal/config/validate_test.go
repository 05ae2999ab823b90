package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Config{
		StoreDriver:      DriverPostgres,
		DatabaseURL:      "postgres://localhost/easytrigger",
		ActionTimeoutStr: "10s",
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_MemoryDriverNeedsNoDatabase(t *testing.T) {
	if err := Validate(Config{StoreDriver: DriverMemory}); err != nil {
		t.Errorf("memory driver should not require DATABASE_URL, got: %v", err)
	}
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := Config{StoreDriver: DriverPostgres}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}

	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should mention DATABASE_URL: %q", err.Error())
	}
}

func TestValidate_UnknownDriver(t *testing.T) {
	err := Validate(Config{StoreDriver: "sqlite"})
	if err == nil || !strings.Contains(err.Error(), "STORE_DRIVER") {
		t.Fatalf("expected STORE_DRIVER error, got %v", err)
	}
}

func TestValidate_InvalidDurations(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"non-parseable", "invalid", "invalid duration"},
		{"negative", "-1s", "must be positive"},
		{"zero", "0s", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{DrainTimeoutStr: tt.value}

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for drain_timeout=%q", tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_ReconcileThresholdCoversLongestTrigger(t *testing.T) {
	// 16 actions of 10s each may run before a record is finalized.
	tests := []struct {
		threshold string
		wantErr   bool
	}{
		{"10s", true},
		{"11s", true},
		{"160s", true},
		{"161s", false},
		{"15m", false},
	}
	for _, tt := range tests {
		t.Run(tt.threshold, func(t *testing.T) {
			err := Validate(Config{ActionTimeoutStr: "10s", ReconcileThresholdStr: tt.threshold})
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "RECONCILE_THRESHOLD") {
					t.Fatalf("expected RECONCILE_THRESHOLD error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("threshold %s should be valid, got %v", tt.threshold, err)
			}
		})
	}
}

func TestValidate_DefaultsLeaveReconcileHeadroom(t *testing.T) {
	cfg := Config{
		ActionTimeoutStr:      stringDefaults["action_timeout"],
		ReconcileThresholdStr: stringDefaults["reconcile_threshold"],
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default durations should validate, got %v", err)
	}
}

func TestValidate_ReconcileSchedule(t *testing.T) {
	cfg := Config{ReconcileEnabled: true, ReconcileSchedule: "every now and then"}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "RECONCILE_SCHEDULE") {
		t.Fatalf("expected RECONCILE_SCHEDULE error, got %v", err)
	}

	// ignored when the reconciler is off
	cfg.ReconcileEnabled = false
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled reconciler should not validate schedule, got %v", err)
	}

	cfg = Config{ReconcileEnabled: true, ReconcileSchedule: "*/10 * * * *"}
	if err := Validate(cfg); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
}

func TestValidate_AnalyticsWindow(t *testing.T) {
	if err := Validate(Config{AnalyticsWindowStr: "2m"}); err == nil {
		t.Error("2m window should be rejected")
	}
	for _, w := range []string{"1m", "5m", "1h"} {
		if err := Validate(Config{AnalyticsWindowStr: w}); err != nil {
			t.Errorf("window %s rejected: %v", w, err)
		}
	}
}

func TestValidate_CollaboratorURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"http://crm.internal:8080", true},
		{"https://crm.example.com/api", true},
		{"crm.internal", false},
		{"ftp://crm.internal", false},
	}
	for _, tt := range tests {
		err := Validate(Config{CollaboratorURL: tt.url})
		if tt.valid && err != nil {
			t.Errorf("%q: unexpected error %v", tt.url, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("%q: expected error", tt.url)
		}
	}
}

func TestValidate_MiscFields(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"metrics path", Config{MetricsPath: "metrics"}, "METRICS_PATH"},
		{"nats subject", Config{NATSURL: "nats://localhost:4222"}, "NATS_SUBJECT"},
		{"idle conns", Config{DBMaxOpenConns: 2, DBMaxIdleConns: 5}, "DB_MAX_IDLE_CONNS"},
		{"migrate on memory", Config{StoreDriver: DriverMemory, MigrateOnStart: true}, "MIGRATE_ON_START"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("expected %s error, got %v", tt.field, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := Config{
		StoreDriver:     DriverPostgres, // missing DATABASE_URL
		DrainTimeoutStr: "invalid",
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "DATABASE_URL", Message: "required"}
	got := err.Error()
	want := "DATABASE_URL: required"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	// Single error
	single := ValidationErrors{{Field: "F1", Message: "M1"}}
	if single.Error() != "F1: M1" {
		t.Errorf("single error = %q, want 'F1: M1'", single.Error())
	}

	// Multiple errors
	multi := ValidationErrors{
		{Field: "F1", Message: "M1"},
		{Field: "F2", Message: "M2"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error should contain '2 validation errors': %q", got)
	}
	if !strings.Contains(got, "F1: M1") || !strings.Contains(got, "F2: M2") {
		t.Errorf("multi error should contain both errors: %q", got)
	}

	// Empty
	empty := ValidationErrors{}
	if empty.Error() != "" {
		t.Errorf("empty errors should return empty string, got %q", empty.Error())
	}
}

func TestValidate_NATSPartition(t *testing.T) {
	tests := []struct {
		name       string
		partitions int
		partition  int
		wantErr    bool
	}{
		{"unpartitioned", 1, 0, false},
		{"unset", 0, 0, false},
		{"last index", 4, 3, false},
		{"index equals count", 4, 4, true},
		{"index without partitions", 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(Config{NATSPartitions: tt.partitions, NATSPartition: tt.partition})
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "NATS_PARTITION") {
					t.Fatalf("expected NATS_PARTITION error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

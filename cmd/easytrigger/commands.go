package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/djlord-it/easytrigger/internal/app"
	"github.com/djlord-it/easytrigger/internal/config"
	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/rules"
	"github.com/djlord-it/easytrigger/internal/store/postgres"
)

var errNeedsPostgres = errors.New("STORE_DRIVER=postgres with DATABASE_URL is required")

func validateCmd(load func() (config.Config, error)) *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long: `Validate configuration without starting the engine. With --connect the
database is also contacted and its schema version checked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			if connect && cfg.StoreDriver == config.DriverPostgres {
				db, err := app.OpenDB(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer db.Close()

				version, dirty, err := inspectSchema(cmd.Context(), db)
				if err != nil {
					return fmt.Errorf("schema not migrated (run \"easytrigger migrate up\"): %w", err)
				}
				if dirty {
					return fmt.Errorf("schema version %d is dirty; fix it and run \"easytrigger migrate up\"", version)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "database reachable (schema version %d)\n", version)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "also connect to the database and check its schema")
	return cmd
}

func configCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			data, err := cfg.MaskedJSON()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func migrateCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	withMigrator := func(fn func(cmd *cobra.Command, m *postgres.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return invalidInput(errNeedsPostgres)
			}
			m, err := postgres.NewMigrator(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(cmd, m)
		}
	}

	printVersion := func(cmd *cobra.Command, m *postgres.Migrator) error {
		version, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
		return nil
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	}

	down := &cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1 step)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return invalidInput(fmt.Errorf("steps must be a positive integer, got %q", args[0]))
				}
				steps = n
			}
			return withMigrator(func(cmd *cobra.Command, m *postgres.Migrator) error {
				if err := m.Down(steps); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})(cmd, args)
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE:  withMigrator(printVersion),
	}

	cmd.AddCommand(up, down, ver)
	return cmd
}

func importCmd(load func() (config.Config, error)) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update triggers from a YAML rule file",
		Long: `Validate every trigger in a YAML rule file and upsert them by id into the
PostgreSQL store. With --dry-run the file is only validated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			if dryRun {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open rules file: %w", err)
				}
				defer f.Close()

				triggers, err := rules.ParseFile(f)
				if err != nil {
					return invalidInput(fmt.Errorf("%s: %w", path, err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d triggers valid\n", path, len(triggers))
				return nil
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return invalidInput(errNeedsPostgres)
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open rules file: %w", err)
			}
			defer f.Close()

			db, err := app.OpenDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := rules.NewService(postgres.New(db), 0)
			res, err := svc.Import(cmd.Context(), f)
			if err != nil {
				return importError(path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: created %d, updated %d\n", path, res.Created, res.Updated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without writing")
	return cmd
}

// importError marks rule file validation failures as invalid input; store
// failures stay runtime errors.
func importError(path string, err error) error {
	err = fmt.Errorf("%s: %w", path, err)
	if _, ok := domain.AsValidationErrors(err); ok {
		return invalidInput(err)
	}
	return err
}

// Command migrate manages the harvester schema outside the API process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/user/weibo-harvester/migrations"
	"github.com/user/weibo-harvester/pkg/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the harvester database schema",
	Long: `migrate applies the embedded schema migrations to the store selected by
STORE_DRIVER (sqlite or postgres), using SQLITE_PATH or POSTGRES_URL.

Examples:
  migrate up        # apply all pending migrations
  migrate status    # list migrations and when they were applied
  migrate down      # roll back the latest migration`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional env file with configuration")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				results, err := p.Up(ctx)
				printResults(results)
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				res, err := p.Down(ctx)
				if res != nil {
					printResults([]*goose.MigrationResult{res})
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Roll back every migration",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				results, err := p.DownTo(ctx, 0)
				printResults(results)
				return err
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the state of every migration",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				statuses, err := p.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					applied := "pending"
					if s.State == goose.StateApplied {
						applied = s.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Printf("%5d  %-25s  %s\n", s.Source.Version, applied, s.Source.Path)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				v, err := p.GetDBVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			}),
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withProvider opens the configured database and hands a goose provider to fn.
func withProvider(fn func(ctx context.Context, p *goose.Provider) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}

		driver, dsn, dialect := "sqlite", cfg.SQLitePath, migrations.SQLite
		if cfg.StoreDriver == "postgres" {
			driver, dsn, dialect = "pgx", cfg.PostgresURL, migrations.Postgres
		}

		db, err := sql.Open(driver, dsn)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.StoreDriver, err)
		}
		defer func() { _ = db.Close() }()

		p, err := migrations.Provider(db, dialect)
		if err != nil {
			return err
		}
		return fn(cmd.Context(), p)
	}
}

func printResults(results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Println("no migrations to run")
		return
	}
	for _, r := range results {
		status := "OK"
		if r.Error != nil {
			status = "FAILED: " + r.Error.Error()
		}
		fmt.Printf("%-4s %-30s %8s  %s\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond), status)
	}
}

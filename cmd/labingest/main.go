package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ctmansfield/health-portal/internal/config"
	"github.com/ctmansfield/health-portal/internal/domain/ingest"
	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/platform/db"
	"github.com/ctmansfield/health-portal/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "labingest",
		Short:        "Import lab result exports into the canonical event store",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	return rootCmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [input...]",
		Short: "Parse, stage and merge one or more lab exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			personID, _ := cmd.Flags().GetString("person-id")
			inputs, _ := cmd.Flags().GetStringSlice("input")
			source, _ := cmd.Flags().GetString("source")
			tz, _ := cmd.Flags().GetString("tz")
			modeFlag, _ := cmd.Flags().GetString("mode")
			format, _ := cmd.Flags().GetString("format")

			inputs = append(inputs, args...)
			mode, err := ingest.ParseMode(modeFlag)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tz != "" {
				cfg.InputTZ = tz
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, mode.Stages())
			if err != nil {
				return err
			}
			defer a.Close()

			params := ingest.RunParams{
				PersonID: personID,
				Source:   source,
				Location: loc,
				Mode:     mode,
				Format:   parser.Format(format),
			}
			for _, path := range inputs {
				params.Inputs = append(params.Inputs, ingest.FileInput(path))
			}

			summary, err := a.svc.Run(ctx, params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().String("person-id", "", "Person the results belong to (required unless every input names its subject)")
	cmd.Flags().StringSlice("input", nil, "Input file; repeatable")
	cmd.Flags().String("source", ingest.DefaultSource, "Source label recorded on the run")
	cmd.Flags().String("tz", "", "Time zone for dates without an offset (default INPUT_TZ)")
	cmd.Flags().String("mode", string(ingest.ModeFull), "dry-run, stage-only or full")
	cmd.Flags().String("format", "", "Force a parser: "+formatList())
	return cmd
}

func formatList() string {
	var names []string
	for _, f := range parser.DefaultRegistry().Formats() {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

func mergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge an already staged run into the canonical store",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("run-id")
			runID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--run-id: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Merge(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if res.DuplicateKeys > 0 {
				return fmt.Errorf("canonical store holds %d duplicate keys", res.DuplicateKeys)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("run-id", "", "Import run to merge (required)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Create the schema and apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator, schema string) error {
				count, err := db.EnsureSchema(ctx, pool, schema, m)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to schema %s.\n", count, schema)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, _ *pgxpool.Pool, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
		c.Flags().String("dir", "", "Migrations directory (default MIGRATIONS_DIR, else the built-in set)")
		cmd.AddCommand(c)
	}
	return cmd
}

// withMigrator connects to the postgres store and hands fn a migrator over
// the embedded migration set, or over a directory when one is configured.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, pool *pgxpool.Pool, m *db.Migrator, schema string) error) error {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StorePostgres {
		return errors.New("migrations apply to the postgres store; the sqlite store creates its tables on open")
	}
	if err := cfg.RequireStore(); err != nil {
		return err
	}
	if schema == "" {
		schema = cfg.DBSchema
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := cmd.Context()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, "")
	if err != nil {
		return err
	}
	defer pool.Close()

	m := db.NewMigratorFS(pool, migrations.FS)
	if dir != "" {
		m = db.NewMigrator(pool, dir)
	}
	return fn(ctx, pool, m, schema)
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

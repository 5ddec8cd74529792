package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"idsync.org/internal/app"
	"idsync.org/internal/audit"
	"idsync.org/internal/auth"
	"idsync.org/internal/config"
	"idsync.org/internal/health"
	"idsync.org/internal/ids"
	"idsync.org/internal/migrate"
	"idsync.org/internal/store/pg"
)

var rootCmd = &cobra.Command{
	Use:           "idsyncctl",
	Short:         "Identity sync maintenance CLI",
	Long:          `idsyncctl migrates the metadata schema and runs directory sync, key compaction and token cleanup.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the metadata schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			return m.Up(ctx)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			return m.Down(ctx)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Manager) error {
			st, err := m.Status(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]any{
				"version":   st.Version,
				"dirty":     st.Dirty,
				"applied":   st.Applied,
				"available": st.Available,
				"pending":   st.Pending(),
			})
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert every directory entry into the metadata store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
			res, err := svc.SyncFromDirectory(ctx, auth.SystemActor)
			if perr := printResult(cmd, res); perr != nil {
				return perr
			}
			return err
		})
	},
}

var compactCmd = &cobra.Command{
	Use:       "compact TABLE",
	Short:     "Renumber the surrogate keys of a table",
	Args:      cobra.ExactArgs(1),
	ValidArgs: auth.CompactableTables,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
			n, err := svc.Compact(ctx, auth.SystemActor, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"table": args[0], "rows": n})
		})
	},
}

var cleanupTokensCmd = &cobra.Command{
	Use:   "cleanup-tokens",
	Short: "Deactivate expired refresh tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
			n, err := svc.CleanupExpiredTokens(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"deactivated": n})
		})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock USERNAME",
	Short: "Clear the lockout of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *auth.Service) error {
			if err := svc.UnlockAccount(ctx, auth.SystemActor, args[0]); err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"username": args[0], "unlocked": true})
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the gRPC health service of a running API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		timeout, _ := cmd.Root().PersistentFlags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		c, err := health.Dial(addr)
		if err != nil {
			return err
		}
		defer c.Close()
		st, err := c.Check(audit.WithRequestID(ctx, ids.New()), "")
		if err != nil {
			return err
		}
		if err := printResult(cmd, map[string]any{"addr": addr, "status": st.String()}); err != nil {
			return err
		}
		if st != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("server at %s is %s", addr, st)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", os.Getenv("IDSYNC_CONFIG"), "Config file path")
	rootCmd.PersistentFlags().Duration("timeout", 2*time.Minute, "Overall command timeout")

	healthCmd.Flags().String("addr", "localhost:9090", "gRPC address of the API server")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd, syncCmd, compactCmd, cleanupTokensCmd, unlockCmd, healthCmd)
}

func loadConfig(cmd *cobra.Command) (config.Config, context.Context, context.CancelFunc, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	timeout, _ := cmd.Root().PersistentFlags().GetDuration("timeout")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return cfg, ctx, cancel, nil
}

func withService(cmd *cobra.Command, fn func(context.Context, *auth.Service) error) error {
	cfg, ctx, cancel, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required: the in-memory store does not outlive the command")
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Service)
}

func withMigrator(cmd *cobra.Command, fn func(context.Context, *migrate.Manager) error) error {
	cfg, ctx, cancel, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	store, err := pg.Open(cfg.Database.DSN, 2)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, migrate.NewManager(store.DB()))
}

func printResult(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

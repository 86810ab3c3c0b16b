package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/patient-records/internal/config"
	"github.com/ehr/patient-records/internal/domain/allergy"
	"github.com/ehr/patient-records/internal/domain/patient"
	"github.com/ehr/patient-records/internal/domain/terminology"
	"github.com/ehr/patient-records/internal/platform/auth"
	"github.com/ehr/patient-records/internal/platform/db"
	"github.com/ehr/patient-records/internal/platform/events"
	redisplatform "github.com/ehr/patient-records/internal/platform/redis"
	"github.com/ehr/patient-records/internal/platform/sandbox"
	"github.com/ehr/patient-records/migrations"
)

// commandTimeout bounds CLI commands that talk to the database.
const commandTimeout = 2 * time.Minute

// migrationFiles prefers MIGRATIONS_DIR so operators can ship SQL out of band.
func migrationFiles(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			target, _ := cmd.Flags().GetInt("to")

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(cfg))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, schema, target)
			} else {
				count, err = migrator.Up(ctx, schema)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(cfg)).Status(ctx, schema)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "VERSION\tNAME\tAPPLIED\n")
			for _, s := range statuses {
				applied := "pending"
				if s.Applied && s.AppliedAt != nil {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%03d\t%s\t%s\n", s.Version, s.Name, applied)
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrationFiles(cfg)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// withTenant runs fn with a context bound to the --tenant schema and an
// operator principal for attribution.
func withTenant(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	tenant, _ := cmd.Flags().GetString("tenant")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}

	ctx, release, err := db.AcquireTenant(ctx, pool, tenant)
	if err != nil {
		return err
	}
	defer release()

	ctx = auth.WithPrincipal(ctx, "cli:"+cmd.CommandPath(), []string{auth.RoleAdmin}, nil)
	return fn(ctx, cfg, pool)
}

func newTerminologyService(cfg *config.Config, pool *pgxpool.Pool) *terminology.Service {
	return terminology.NewService(terminology.NewConceptRepoPG(pool), terminology.NewGlobalPropertyRepoPG(pool), cfg.OtherNonCoded)
}

// withTerminology runs fn against the tenant's terminology service.
func withTerminology(cmd *cobra.Command, fn func(ctx context.Context, svc *terminology.Service) error) error {
	return withTenant(cmd, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return fn(ctx, newTerminologyService(cfg, pool))
	})
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate synthetic patients with allergy lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.PatientCount, _ = cmd.Flags().GetInt("patients")
			seedCfg.AllergiesPerPatient, _ = cmd.Flags().GetInt("max-allergies")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")

			return withTenant(cmd, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				patientRepo := patient.NewRepo(pool)
				allergySvc := allergy.NewService(allergy.NewRepo(pool), patientRepo, newTerminologyService(cfg, pool), db.NewTransactor(pool))

				result, err := sandbox.NewSeeder(seedCfg, patient.NewService(patientRepo), allergySvc).Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d patient(s): %d allergies, %d with no known allergies, %d unknown (%s)\n",
					result.Patients, result.Allergies, result.NoKnownAllergies, result.Unknown, result.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	defaults := sandbox.DefaultSeedConfig()
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().Int("patients", defaults.PatientCount, "Number of patients to create")
	cmd.Flags().Int("max-allergies", defaults.AllergiesPerPatient, "Upper bound on allergies per patient")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one from the clock)")
	return cmd
}

func propertyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "property",
		Short: "Manage global properties",
	}
	cmd.PersistentFlags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "Print a global property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTerminology(cmd, func(ctx context.Context, svc *terminology.Service) error {
				prop, err := svc.GetProperty(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), prop.Value)
				return nil
			})
		},
	})

	setCmd := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Create or update a global property",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			return withTerminology(cmd, func(ctx context.Context, svc *terminology.Service) error {
				prop, err := svc.SetProperty(ctx, args[0], args[1], description)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", prop.Name, prop.Value)
				return nil
			})
		},
	}
	setCmd.Flags().String("description", "", "Property description")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List global properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTerminology(cmd, func(ctx context.Context, svc *terminology.Service) error {
				props, err := svc.ListProperties(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "PROPERTY\tVALUE\n")
				for _, p := range props {
					fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Value)
				}
				return w.Flush()
			})
		},
	})

	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the change event stream",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "tail",
		Short: "Print change events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logger.WithContext(ctx)

			rdb, err := redisplatform.New(ctx, redisplatform.Config{URL: cfg.RedisURL, PoolSize: 1})
			if err != nil {
				return err
			}
			if rdb == nil {
				return fmt.Errorf("REDIS_URL is required to tail events")
			}
			defer rdb.Close()

			stream, err := events.NewRedisPublisher(rdb.Client, cfg.EventsChannel).Subscribe(ctx)
			if err != nil {
				return err
			}
			logger.Info().Str("channel", cfg.EventsChannel).Msg("tailing events")
			return printEvents(cmd, stream)
		},
	})

	return cmd
}

func printEvents(cmd *cobra.Command, stream <-chan events.Event) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for evt := range stream {
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}

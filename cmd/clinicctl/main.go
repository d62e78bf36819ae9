// Package main provides clinicctl, the operator CLI for schema migrations,
// topics, renewal reminders, subscriber analytics and outbox upkeep.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/config"
	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/infrastructure/postgres"
	"github.com/trimwell/clinic-admin/internal/infrastructure/redpanda"
	"github.com/trimwell/clinic-admin/internal/service"
	"github.com/trimwell/clinic-admin/pkg/idempotency"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicctl",
		Short:        "Clinic admin operator tool",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(mrrCmd())
	rootCmd.AddCommand(messagingCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// withPool opens the database for one command.
func withPool(fn func(ctx context.Context, e *env, pool *pgxpool.Pool) error) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := postgres.Connect(ctx, e.cfg.DatabaseURL, e.cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, e, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, _ *env, pool *pgxpool.Pool) error {
				count, err := postgres.NewMigrator(pool, postgres.Migrations()).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, _ *env, pool *pgxpool.Pool) error {
				statuses, err := postgres.NewMigrator(pool, postgres.Migrations()).Status(ctx)
				if err != nil {
					return err
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func printMigrations(w io.Writer, statuses []postgres.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "VERSION\tNAME\tAPPLIED AT\n")
	for _, s := range statuses {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, s.Name, applied)
	}
	tw.Flush()
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			replication, _ := cmd.Flags().GetInt16("replication")
			return withAdmin(func(ctx context.Context, a *redpanda.Admin) error {
				if err := a.EnsureTopics(ctx, replication); err != nil {
					return fmt.Errorf("ensure topics: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Topics ready.")
				return nil
			})
		},
	}
	ensureCmd.Flags().Int16("replication", 1, "Replication factor for new topics")
	cmd.AddCommand(ensureCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, a *redpanda.Admin) error {
				topics, err := a.ListTopics(ctx)
				if err != nil {
					return err
				}
				sort.Strings(topics)
				for _, t := range topics {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(func(ctx context.Context, a *redpanda.Admin) error {
				lag, err := a.GroupLag(ctx, group)
				if err != nil {
					return err
				}
				printLag(cmd.OutOrStdout(), group, lag)
				return nil
			})
		},
	}
	lagCmd.Flags().String("group", "notification-worker", "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}

func withAdmin(fn func(ctx context.Context, a *redpanda.Admin) error) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	admin, err := redpanda.NewAdmin(e.cfg.KafkaBrokers, e.logger)
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, admin)
}

func printLag(w io.Writer, group string, lag []redpanda.PartitionLag) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "GROUP\tTOPIC\tPARTITION\tLAG\n")
	var total int64
	for _, l := range lag {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", group, l.Topic, l.Partition, l.Lag)
		total += l.Lag
	}
	fmt.Fprintf(tw, "%s\tTOTAL\t\t%d\n", group, total)
	tw.Flush()
}

// withReminders opens the database and builds the reminder service.
func withReminders(fn func(ctx context.Context, s *service.ReminderService) error) error {
	return withPool(func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
		store := service.NewPGStore(pool)
		inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), e.logger)
		return fn(ctx, service.NewReminderService(store, store, inbox, time.Now, e.logger))
	})
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Subscription renewal reminders",
	}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Queue reminders for periods ending soon",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			if days < 1 || days > 60 {
				return fmt.Errorf("--days must be between 1 and 60, got %d", days)
			}
			return withReminders(func(ctx context.Context, s *service.ReminderService) error {
				report, err := s.SendReminders(ctx, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Considered %d, queued %d, already sent %d, no email %d.\n",
					report.Considered, report.Queued, report.AlreadySent, report.NoEmail)
				return nil
			})
		},
	}
	sendCmd.Flags().Int("days", 7, "Remind periods ending within this many days")
	cmd.AddCommand(sendCmd)

	return cmd
}

func mrrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mrr",
		Short: "Print subscriber analytics",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withReminders(func(ctx context.Context, s *service.ReminderService) error {
				a, err := s.Analytics(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(a)
				}
				printAnalytics(cmd.OutOrStdout(), a)
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func printAnalytics(w io.Writer, a *billing.Analytics) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Active subscribers\t%d\n", a.ActiveSubscribers)
	fmt.Fprintf(tw, "MRR\t%s\n", dollars(a.MRRCents))
	fmt.Fprintf(tw, "New (30d)\t%d\n", a.NewLast30Days)
	fmt.Fprintf(tw, "Churned (30d)\t%d\n", a.ChurnedLast30Days)

	cats := make([]string, 0, len(a.MRRByCategory))
	for c := range a.MRRByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(tw, "  %s\t%s\n", c, dollars(a.MRRByCategory[c]))
	}
	tw.Flush()
}

func dollars(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func messagingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and prune the outbox and inbox tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show the relay backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				stats, err := postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), e.logger).Stats(ctx)
				if err != nil {
					return err
				}
				printOutboxStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	})

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete relayed outbox rows and expired inbox keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan < time.Hour {
				return fmt.Errorf("--older-than must be at least 1h, got %s", olderThan)
			}
			return withPool(func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				relayed, err := postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), e.logger).Prune(ctx, olderThan)
				if err != nil {
					return err
				}
				expired, err := idempotency.NewInbox(pool, idempotency.DefaultConfig(), e.logger).Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d outbox row(s) and %d inbox key(s).\n", relayed, expired)
				return nil
			})
		},
	}
	pruneCmd.Flags().Duration("older-than", 7*24*time.Hour, "Age of relayed outbox rows to delete")
	cmd.AddCommand(pruneCmd)

	return cmd
}

func printOutboxStats(w io.Writer, s *postgres.OutboxStats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Pending\t%d\n", s.Pending)
	fmt.Fprintf(tw, "Retrying\t%d\n", s.Retrying)
	fmt.Fprintf(tw, "Dead lettered\t%d\n", s.DeadLettered)
	fmt.Fprintf(tw, "Oldest pending\t%s\n", s.OldestAge.Round(time.Second))
	tw.Flush()
}

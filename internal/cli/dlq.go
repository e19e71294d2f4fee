package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bjpl/resguardo/internal/control"
	"github.com/bjpl/resguardo/internal/core/domain"
	"github.com/bjpl/resguardo/internal/infra/storage"
	"github.com/bjpl/resguardo/internal/infra/storage/postgres"
)

var (
	dlqListLimit int
	dlqListType  string
	dlqPurgeDays int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect, replay and purge dead-lettered operations",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending dead letters, oldest failure first",
	Run:   runDLQList,
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay [id]",
	Short: "Replay one dead letter through the guarded path",
	Args:  cobra.ExactArgs(1),
	Run:   runDLQReplay,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge resolved, discarded and expired dead letters",
	Run:   runDLQPurge,
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "maximum records to list")
	dlqListCmd.Flags().StringVar(&dlqListType, "type", "", "filter by operation type")
	dlqPurgeCmd.Flags().IntVar(&dlqPurgeDays, "days", 0, "retention horizon in days (default from config)")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

// dlqRepo connects to the configured durable store. The memory store has
// nothing to inspect from a separate process, so a database is required.
func dlqRepo(ctx context.Context) (*postgres.FailedOperationRepo, func()) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("dlq commands require a configured database")
		os.Exit(1)
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	return postgres.NewFailedOperationRepo(db), func() { _ = db.Close() }
}

func runDLQList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	repo, closeDB := dlqRepo(ctx)
	defer closeDB()

	records, err := repo.List(ctx, storage.ListFilter{
		OperationType: domain.OperationType(dlqListType),
		Limit:         dlqListLimit,
	})
	if err != nil {
		slog.Error("failed to list dead letters", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tKIND\tATTEMPTS\tLAST FAILED\tLAST ERROR")
	for _, rec := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID,
			rec.OperationType,
			rec.ErrorKind,
			rec.AttemptCount,
			rec.LastFailedAt.Format("2006-01-02 15:04:05"),
			truncate(rec.LastError, 60),
		)
	}
	_ = w.Flush()
	if len(records) == 0 {
		fmt.Println("Dead letter queue is empty.")
	}
}

// runDLQReplay assembles the full application so the replay runs through
// the same dispatcher, breakers and retry budgets the service uses.
func runDLQReplay(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	id := args[0]

	app, err := control.NewApp(cfg)
	if err != nil {
		slog.Error("failed to initialize resguardo", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	replayErr := app.Queue().Replay(ctx, id)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = app.Stop(stopCtx)

	if replayErr != nil {
		slog.Error("replay failed, record stays queued", "id", id, "error", replayErr)
		os.Exit(1)
	}
	fmt.Printf("Replayed %s successfully.\n", id)
}

func runDLQPurge(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg := loadConfig()

	days := dlqPurgeDays
	if days <= 0 {
		days = cfg.DLQ.RetentionDays
	}

	if cfg.Database.URL == "" {
		slog.Error("dlq commands require a configured database")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	repo := postgres.NewFailedOperationRepo(db)
	cutoff := time.Now().AddDate(0, 0, -days)
	purged, err := repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("failed to purge dead letters", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Purged %d records (cutoff %s).\n", purged, cutoff.Format("2006-01-02"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

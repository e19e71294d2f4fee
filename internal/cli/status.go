package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	redisclient "github.com/bjpl/resguardo/internal/infra/redis"
	"github.com/bjpl/resguardo/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show circuit states and dead letter queue depth",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	if cfg.Redis.URL == "" && cfg.Database.URL == "" {
		fmt.Println("No shared stores configured; status reflects nothing beyond this command.")
		return
	}

	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = rc.Close()
		}()

		circuits, err := rc.ListCircuits(ctx)
		if err != nil {
			slog.Error("failed to list circuits", "error", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "DEPENDENCY\tSTATE\tFAILURES\tOPENED")
		for _, c := range circuits {
			opened := "-"
			if !c.OpenedAt.IsZero() {
				opened = c.OpenedAt.Format("2006-01-02 15:04:05")
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.DependencyID, c.State, c.FailureCount, opened)
		}
		_ = w.Flush()
		if len(circuits) == 0 {
			fmt.Println("No circuits recorded yet.")
		}
	}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = db.Close()
		}()

		repo := postgres.NewFailedOperationRepo(db)
		pending, err := repo.CountPending(ctx)
		if err != nil {
			slog.Error("failed to count dead letters", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Pending dead letters: %d\n", pending)
	}
}

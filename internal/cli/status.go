package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/almas/drover/internal/config"
	"github.com/almas/drover/pkg/taskstore"
)

var statusStaleAfter time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status",
	Long:  `Show how many tasks are pending, processing, completed, and failed.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusStaleAfter, "stale-after", 10*time.Minute, "age at which a processing task counts as stale")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		fmt.Println("No task database found. Run `drover run <files>` to start a batch.")
		return nil
	}

	store, err := taskstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}

	fmt.Printf("Total:      %d\n", stats.Total())
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
	fmt.Printf("Completed:  %d", stats.Completed)
	if stats.Warnings > 0 {
		fmt.Printf(" (%d with warnings)", stats.Warnings)
	}
	fmt.Println()
	fmt.Printf("Failed:     %d\n", stats.Failed)

	if stats.Processing > 0 {
		stale, err := store.CountStale(ctx, statusStaleAfter)
		if err != nil {
			return fmt.Errorf("failed to count stale tasks: %w", err)
		}
		if stale > 0 {
			fmt.Printf("\n%d task(s) have been processing for over %s; if no run is active they will be requeued on the next run.\n", stale, statusStaleAfter)
		}
	}

	return nil
}

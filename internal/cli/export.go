package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/almas/drover/internal/config"
	"github.com/almas/drover/pkg/export"
	"github.com/almas/drover/pkg/taskstore"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export finished tasks to CSV",
	Long: `Write every completed and failed task to a CSV file, completed
first. Without --out the file lands in the configured export directory
with a timestamped name.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (- for stdout)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := taskstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	exporter := export.New(store)

	if exportOut == "-" {
		summary, err := exporter.WriteCSV(ctx, os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to export results: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Exported %d tasks\n", summary.Total())
		return nil
	}

	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", exportOut, err)
		}
		defer f.Close()

		summary, err := exporter.WriteCSV(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to export results: %w", err)
		}
		exporter.LogSummary(exportOut, summary)
		fmt.Printf("Results written to %s (%d tasks)\n", exportOut, summary.Total())
		return nil
	}

	if cfg.Export.Dir == "" {
		return fmt.Errorf("no export directory configured; pass --out or set export.dir")
	}

	path, summary, err := exporter.ExportFile(ctx, cfg.Export.Dir)
	if err != nil {
		return fmt.Errorf("failed to export results: %w", err)
	}
	fmt.Printf("Results written to %s (%d tasks)\n", path, summary.Total())
	return nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/almas/drover/internal/config"
	"github.com/almas/drover/internal/observability"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up Drover.
The wizard will guide you through configuring API keys, the model, and
the worker pool.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	wizard := config.NewWizard()

	cfg, err := wizard.Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	configPath := loader.GetConfigPath()
	observability.RecordConfigAudit(cmd.Context(), "configure", "cli", map[string]interface{}{
		"path": configPath,
	})
	fmt.Printf("\nConfiguration saved to: %s\n", configPath)
	fmt.Println("\nYou can now process a batch with: drover run tasks.csv")

	return nil
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/dirsubmit/internal/app"
	"github.com/foxzi/dirsubmit/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dirsubmit",
	Short: "dirsubmit - directory submission engine",
	Long:  `dirsubmit submits a business profile to listing directories and tracks every attempt.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the submission workers",
	Long:  `Start the scheduling workers, the sweeper and the optional status and metrics servers.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dirsubmit version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openEngine opens the engine database for one-shot commands. It blocks
// for up to the storage timeout while a server holds the file.
func openEngine() (*app.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenEngine(cfg, nil)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Worker:      %s (%d workers)\n", cfg.Engine.WorkerID, cfg.Engine.Workers)
	fmt.Printf("  Directories: %d\n", len(cfg.Directories))
	fmt.Printf("  Storage:     %s\n", cfg.Storage.Path)
	if cfg.Vault.KeyFile != "" {
		fmt.Printf("  Vault:       %s\n", cfg.Vault.Path)
	} else {
		fmt.Printf("  Vault:       disabled\n")
	}
	if cfg.Status.Enabled {
		fmt.Printf("  Status API:  %s\n", cfg.Status.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:     %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}

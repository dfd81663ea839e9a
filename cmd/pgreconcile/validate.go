package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the configuration without connecting to the server or the blob store.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("PostgreSQL:")
	fmt.Printf("  Host: %s\n", cfg.Postgres.Host)
	fmt.Printf("  Port: %d\n", cfg.Postgres.Port)
	fmt.Printf("  Admin database: %s\n", cfg.Postgres.Database)
	fmt.Printf("  User: %s\n", cfg.Postgres.Username)
	fmt.Printf("  Data directory: %s\n", cfg.Postgres.DataDir)
	fmt.Printf("  Statement timeout: %s\n", cfg.Postgres.StatementTimeout)
	fmt.Printf("  Restore timeout: %s\n", cfg.Postgres.RestoreTimeout)
	fmt.Println()
	fmt.Println("Blob store:")
	fmt.Printf("  Driver: %s\n", cfg.Blob.Driver)
	fmt.Printf("  Base URL: %s\n", cfg.Blob.BaseURL)
	if cfg.Blob.Bucket != "" {
		fmt.Printf("  Bucket: %s\n", cfg.Blob.Bucket)
	}
	if cfg.Blob.UploadTimeout > 0 {
		fmt.Printf("  Upload timeout: %s\n", cfg.Blob.UploadTimeout)
	} else {
		fmt.Printf("  Upload timeout: none\n")
	}
	fmt.Printf("  Max retries: %d\n", cfg.Retriever.MaxRetries)
	fmt.Printf("  Attempt timeout: %s\n", cfg.Retriever.Timeout)
	fmt.Println()
	fmt.Println("Databases:")
	for _, d := range cfg.Databases {
		fmt.Printf("  %s (owner %s)\n", d.Name, d.Owner)
	}
	fmt.Println()
	fmt.Printf("Telegram: %v\n", cfg.Telegram != nil)
	if cfg.Telegram != nil {
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}

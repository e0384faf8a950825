package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initTenant  string
	initDomain  string
	initBaseURL string
	initViewer  string
)

func init() {
	initCmd.Flags().StringVar(&initTenant, "tenant", "dev", "Tenant the CLI operates in")
	initCmd.Flags().StringVar(&initDomain, "domain", "internal", "Conversation domain: internal or partner")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Durable store base URL (default http://localhost:8475)")
	initCmd.Flags().StringVar(&initViewer, "viewer", "", "Viewer user ID (default: the token itself)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.parley/config.toml",
	Long:  "Initialize the Parley CLI by storing your bearer token and scope in the local configuration file.\nAgainst a local parleyd any token works and doubles as the user ID.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initViewer != "" {
			cfg.Auth.ViewerID = initViewer
		}
		cfg.Default.Tenant = initTenant
		cfg.Default.Domain = initDomain
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		fmt.Printf("  Tenant: %s\n", cfg.Default.Tenant)
		fmt.Printf("  Domain: %s\n", cfg.Default.Domain)
		return nil
	},
}

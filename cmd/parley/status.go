package main

import (
	"context"
	"fmt"
	"time"

	parley "github.com/enrollworks/parley"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	Long:  "Display the current configuration and check that the durable store answers for the configured scope.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, parley.DefaultBaseURL))
		if cfg.Default.StreamURL != "" {
			fmt.Printf("  Stream URL: %s\n", cfg.Default.StreamURL)
		}
		fmt.Printf("  Tenant:     %s\n", valueOrDefault(cfg.Default.Tenant, "(not set)"))
		fmt.Printf("  Domain:     %s\n", valueOrDefault(cfg.Default.Domain, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:      %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:      (not set)")
		}
		fmt.Printf("  Viewer:     %s\n", valueOrDefault(viewerID(cfg), "(not set)"))

		if cfg.Auth.Token == "" || cfg.Default.Tenant == "" || cfg.Default.Domain == "" {
			return nil
		}

		// Live check: one list call against the configured scope.
		fmt.Println()
		fmt.Println("Live status:")

		scope := parley.Scope{
			TenantID: cfg.Default.Tenant,
			Domain:   parley.Domain(cfg.Default.Domain),
		}
		if err := scope.Validate(); err != nil {
			fmt.Printf("  Bad scope: %v\n", err)
			return nil
		}

		var opts []parley.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, parley.WithBaseURL(cfg.Default.BaseURL))
		}
		client := parley.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx, scope)
		if err != nil {
			fmt.Printf("  Error reaching backend: %v\n", err)
			return nil
		}

		unread := 0
		for _, c := range conversations {
			unread += c.UnreadCount
		}
		fmt.Printf("  Backend:       reachable\n")
		fmt.Printf("  Conversations: %d\n", len(conversations))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

package main

import (
	"fmt"
	"os"

	parley "github.com/enrollworks/parley"
)

// mustConfig loads the config file or exits.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// viewerID resolves the local identity. Against a dev backend the
// token is the user ID, so an explicit viewer_id is optional.
func viewerID(cfg *Config) string {
	if cfg.Auth.ViewerID != "" {
		return cfg.Auth.ViewerID
	}
	return cfg.Auth.Token
}

// getScope builds the conversation scope from config, exiting when the
// config is incomplete.
func getScope(cfg *Config) parley.Scope {
	scope := parley.Scope{
		TenantID: cfg.Default.Tenant,
		Domain:   parley.Domain(cfg.Default.Domain),
	}
	if err := scope.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Bad scope in config: %v\nRun 'parley init <token>' or 'parley config set'.\n", err)
		os.Exit(1)
	}
	return scope
}

// getClient creates a store client authenticated with the configured token.
func getClient() *parley.Client {
	cfg := mustConfig()
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'parley init <token>' first.")
		os.Exit(1)
	}

	var opts []parley.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, parley.WithBaseURL(cfg.Default.BaseURL))
	}

	return parley.NewClient(cfg.Auth.Token, opts...)
}

// getMessenger wires a full synchronization core: HTTP client for the
// durable store plus the websocket event stream. The messenger is not
// started; callers own its lifecycle.
func getMessenger() (*parley.Messenger, parley.Scope, string) {
	cfg := mustConfig()
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'parley init <token>' first.")
		os.Exit(1)
	}
	scope := getScope(cfg)
	viewer := viewerID(cfg)

	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = parley.DefaultBaseURL
	}
	streamURL := cfg.Default.StreamURL
	if streamURL == "" {
		streamURL = baseURL
	}

	client := parley.NewClient(cfg.Auth.Token, parley.WithBaseURL(baseURL))
	stream := parley.NewEventStream(parley.StreamConfig{
		URL:      streamURL,
		Token:    cfg.Auth.Token,
		ViewerID: viewer,
	})

	m, err := parley.NewMessenger(parley.MessengerConfig{
		Auth: parley.AuthContext{
			ViewerID: viewer,
			TenantID: scope.TenantID,
			Domains:  []parley.Domain{scope.Domain},
		},
		Domain:  scope.Domain,
		Backend: client,
		Stream:  stream,
		OnStreamError: func(err error) {
			fmt.Fprintf(os.Stderr, "stream error: %v\n", err)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build messenger: %v\n", err)
		os.Exit(1)
	}
	return m, scope, viewer
}

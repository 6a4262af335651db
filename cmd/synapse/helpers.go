package main

import (
	"fmt"
	"os"
	"time"

	synapse "github.com/synapse-im/synapse-go"
)

// getClient creates an authenticated Synapse client from config.
func getClient() (*synapse.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token configured. Run 'synapse init <base-url> <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []synapse.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, synapse.WithBaseURL(cfg.Default.BaseURL))
	}
	return synapse.NewClient(synapse.StaticToken(cfg.Auth.Token), opts...), cfg
}

// formatTimestamp renders a server RFC3339 timestamp as local time.
func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, ts); err != nil {
			return ts
		}
	}
	return t.Local().Format("2006-01-02 15:04")
}

// formatMessage renders one message line for terminal output.
func formatMessage(m synapse.Message, selfID string) string {
	who := m.SenderID
	if m.Sender != nil && m.Sender.Name != "" {
		who = m.Sender.Name
	}
	if m.SenderID == selfID {
		who = "me"
	}
	body := m.Content
	switch {
	case m.IsDeleted:
		body = "(message deleted)"
	case m.Image != "" && body == "":
		body = "(image) " + m.Image
	}
	suffix := ""
	if m.IsEdited {
		suffix = " (edited)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", formatTimestamp(m.CreatedAt), who, body, suffix)
}

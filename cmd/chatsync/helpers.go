package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/healthevents/chatsync"
	"github.com/rs/zerolog"
)

// requireConfig loads the config and checks that server and identity are set.
func requireConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" || cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("not configured. Run 'chatsync init <base-url> <user-id>' first")
	}
	return cfg, nil
}

func newLogger(cfg *Config, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.Chat.LogLevel)
	if err != nil || cfg.Chat.LogLevel == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func newClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Default.BaseURL, chatsync.WithToken(chatsync.StaticToken(cfg.Default.Token)))
}

func newTransport(cfg *Config) *chatsync.WebSocketTransport {
	return chatsync.NewWebSocketTransport(cfg.Default.BaseURL, chatsync.StaticToken(cfg.Default.Token))
}

func selfParticipant(cfg *Config) chatsync.Participant {
	return chatsync.Participant{ID: cfg.Identity.UserID, Name: cfg.Identity.Name}
}

// reconnectDelay returns the configured delay, or zero for the library default.
func reconnectDelay(cfg *Config) time.Duration {
	d, err := time.ParseDuration(cfg.Chat.ReconnectDelay)
	if err != nil {
		return 0
	}
	return d
}

func newSession(cfg *Config, w io.Writer) *chatsync.Session {
	return chatsync.NewSession(selfParticipant(cfg), newClient(cfg), newTransport(cfg),
		chatsync.WithLogger(newLogger(cfg, w)),
		chatsync.WithConnectionConfig(chatsync.ConnectionConfig{ReconnectDelay: reconnectDelay(cfg)}),
	)
}

// formatMessage renders one line of chat output.
func formatMessage(m chatsync.Message, selfID string) string {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	if m.SenderID == selfID {
		sender = "me"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", valueOrDefault(m.Timestamp, "-"), sender, m.Text)
	if a := m.Attachment; a != nil && a.URL != "" {
		fmt.Fprintf(&b, " <%s>", a.URL)
	}
	if m.Pending {
		b.WriteString(" (sending)")
	}
	return b.String()
}

// maskKey shows the first and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	ModeForward = "forward"
	ModeReverse = "reverse"
	ModeWebhook = "webhook"
)

type Config struct {
	Mode        string `toml:"mode" env:"ONEBOT_MODE"`
	LogLevel    string `toml:"log_level" env:"ONEBOT_LOG_LEVEL"`
	AccessToken string `toml:"access_token" env:"ONEBOT_ACCESS_TOKEN"`
	Secret      string `toml:"secret" env:"ONEBOT_SECRET"`
	SelfID      int64  `toml:"self_id" env:"ONEBOT_SELF_ID"`

	UniversalURL         string        `toml:"universal_url" env:"ONEBOT_UNIVERSAL_URL"`
	APIURL               string        `toml:"api_url" env:"ONEBOT_API_URL"`
	EventURL             string        `toml:"event_url" env:"ONEBOT_EVENT_URL"`
	AutoReconnect        bool          `toml:"auto_reconnect" env:"ONEBOT_AUTO_RECONNECT"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts" env:"ONEBOT_MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelay       time.Duration `toml:"reconnect_delay" env:"ONEBOT_RECONNECT_DELAY"`

	ReverseAddr string `toml:"reverse_addr" env:"ONEBOT_REVERSE_ADDR"`
	ReversePath string `toml:"reverse_path" env:"ONEBOT_REVERSE_PATH"`
	WebhookAddr string `toml:"webhook_addr" env:"ONEBOT_WEBHOOK_ADDR"`
	WebhookPath string `toml:"webhook_path" env:"ONEBOT_WEBHOOK_PATH"`
	APIRoot     string `toml:"api_root" env:"ONEBOT_API_ROOT"`

	CallTimeout time.Duration `toml:"call_timeout" env:"ONEBOT_CALL_TIMEOUT"`
	DBPath      string        `toml:"db_path" env:"ONEBOT_DB"`

	AutoApproveFriends      bool `toml:"auto_approve_friends" env:"ONEBOT_AUTO_APPROVE_FRIENDS"`
	AutoApproveGroupInvites bool `toml:"auto_approve_group_invites" env:"ONEBOT_AUTO_APPROVE_GROUP_INVITES"`
}

func DefaultConfig() Config {
	return Config{
		Mode:           ModeForward,
		LogLevel:       "info",
		UniversalURL:   "ws://127.0.0.1:6700",
		AutoReconnect:  true,
		ReconnectDelay: 500 * time.Millisecond,
		ReverseAddr:    defaultAddr(":8080"),
		ReversePath:    "/ws",
		WebhookAddr:    defaultAddr(":8081"),
		WebhookPath:    "/",
		CallTimeout:    30 * time.Second,
	}
}

// LoadConfig layers the config file, then ONEBOT_* environment variables,
// then command-line flags over the defaults. A missing file is not an error.
func LoadConfig(args []string) (Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("onebot", flag.ContinueOnError)
	path := fs.String("config", envOrDefault("ONEBOT_CONFIG", "onebot.toml"), "TOML config file")
	mode := fs.String("mode", "", "forward, reverse or webhook")
	level := fs.String("log-level", "", "debug, info, warn or error")
	dbPath := fs.String("db", "", "SQLite request ledger path")
	token := fs.String("token", "", "access token")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if _, err := toml.DecodeFile(*path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load config %s: %w", *path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "log-level":
			cfg.LogLevel = *level
		case "db":
			cfg.DBPath = *dbPath
		case "token":
			cfg.AccessToken = *token
		}
	})

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeForward:
		if c.UniversalURL == "" && (c.APIURL == "" || c.EventURL == "") {
			return errors.New("forward mode needs universal_url or both api_url and event_url")
		}
	case ModeReverse, ModeWebhook:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultAddr(fallback string) string {
	// Railway, Render, etc. set PORT
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return fallback
}

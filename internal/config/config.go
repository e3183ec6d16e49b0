package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string        `yaml:"addr"`
	DataDir       string        `yaml:"data_dir"`
	DBPath        string        `yaml:"db_path"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	RetentionDays int           `yaml:"retention_days"`

	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type EmailConfig struct {
	SendGridKey string `yaml:"sendgrid_key"`
	From        string `yaml:"from"`
	FromName    string `yaml:"from_name"`
	To          string `yaml:"to"`
}

// Load builds the configuration from defaults, an optional YAML file named
// by STREAMWATCH_CONFIG, and environment variables, in that order of
// precedence (env wins).
func Load() (Config, error) {
	cfg := Config{
		Addr:          ":8080",
		DataDir:       "./data",
		PollInterval:  5 * time.Minute,
		RetentionDays: 30,
		Email:         EmailConfig{FromName: "StreamWatch Alerts"},
	}

	if path := os.Getenv("STREAMWATCH_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Addr = getenv("STREAMWATCH_ADDR", cfg.Addr)
	cfg.DataDir = getenv("STREAMWATCH_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getenv("STREAMWATCH_DB_PATH", cfg.DBPath)
	cfg.PollInterval = getenvDuration("STREAMWATCH_POLL_INTERVAL", cfg.PollInterval)
	cfg.RetentionDays = getenvInt("STREAMWATCH_RETENTION_DAYS", cfg.RetentionDays)
	cfg.Telegram.BotToken = getenv("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = getenv("TELEGRAM_CHAT_ID", cfg.Telegram.ChatID)
	cfg.Email.SendGridKey = getenv("SENDGRID_API_KEY", cfg.Email.SendGridKey)
	cfg.Email.From = getenv("STREAMWATCH_ALERT_FROM", cfg.Email.From)
	cfg.Email.To = getenv("STREAMWATCH_ALERT_TO", cfg.Email.To)

	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/streamwatch.db"
	}
	return cfg, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

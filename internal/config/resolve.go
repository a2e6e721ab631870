package config

import (
	"fmt"
	"strings"
	"time"

	"envoybot/internal/reminder"
	"envoybot/internal/scheduler"
	"envoybot/internal/storage"
	"envoybot/internal/transport/telegram/adapter"
	logx "envoybot/pkg/logx"
)

// Settings is the validated, typed view of a Config. Duration strings are
// parsed once here so the rest of the program never sees raw config text.
type Settings struct {
	Telegram  adapter.Config
	Storage   storage.Config
	Logging   logx.Config
	Tick      time.Duration
	LookAhead time.Duration
}

// Resolve validates cfg and converts it into Settings.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, fmt.Errorf("config is nil")
	}

	var s Settings

	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return Settings{}, fmt.Errorf("telegram.token: required")
	}
	pollTimeout, err := ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return Settings{}, err
	}
	if cfg.Telegram.RatePerSec < 0 {
		return Settings{}, fmt.Errorf("telegram.rate_per_sec: must be >= 0")
	}
	s.Telegram = adapter.Config{
		Token:       token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return Settings{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if driver != "memory" && strings.TrimSpace(cfg.Storage.Path) == "" {
		return Settings{}, fmt.Errorf("storage.path: required for sqlite")
	}
	busy, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return Settings{}, err
	}
	s.Storage = storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}

	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return Settings{}, fmt.Errorf("logging.telegram.chat_id: required when enabled")
	}

	s.Tick, err = ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, scheduler.DefaultTick)
	if err != nil {
		return Settings{}, err
	}
	s.LookAhead, err = ParseDurationOrDefault("reminder.look_ahead", cfg.Reminder.LookAhead, reminder.DefaultLookAhead)
	if err != nil {
		return Settings{}, err
	}
	return s, nil
}

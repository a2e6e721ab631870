package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Scheduler controls the pipeline tick.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Reminder controls slot seeding ahead of the vote window.
	Reminder ReminderConfig `json:"reminder,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec limits outbound Telegram calls. 0 keeps the default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./envoybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the tick loop driving the exchange pipeline.
type SchedulerConfig struct {
	// Tick is a Go duration string. Empty means the built-in default.
	Tick string `json:"tick,omitempty"`
}

type ReminderConfig struct {
	// LookAhead is how far before a vote start the reminder fires.
	// Go duration string; empty means the built-in default.
	LookAhead string `json:"look_ahead,omitempty"`
}

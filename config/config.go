// Package config loads and validates the calwatch configuration file.
// Malformed cron expressions and unknown timezones are rejected here,
// before any scheduling begins; they are never silently defaulted.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calwatch/internal/domain"
)

// CalendarConfig describes one tracked calendar source.
type CalendarConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// Type is "ics" (default) or "caldav".
	Type string `yaml:"type"`

	// Cron overrides the top-level refresh schedule for this source.
	Cron string `yaml:"cron"`

	// Timezone is the IANA zone the cron expression is evaluated in.
	// Empty means UTC.
	Timezone string `yaml:"timezone"`

	// Username/Password are used by caldav sources only.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TelegramConfig configures the notification bot.
type TelegramConfig struct {
	Token string `yaml:"token"`

	// ChatIDs receive change notifications and may issue commands.
	ChatIDs []int64 `yaml:"chat_ids"`
}

// StorageConfig locates persistent state.
type StorageConfig struct {
	SnapshotDir string `yaml:"snapshot_dir"`
	JournalPath string `yaml:"journal_path"`
}

type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Storage  StorageConfig  `yaml:"storage"`

	// Refresh is the default cron schedule for sources that don't set
	// their own.
	Refresh string `yaml:"refresh"`

	// SummaryDays is the window shown by the /summary command.
	SummaryDays int `yaml:"summary_days"`

	Calendars []CalendarConfig `yaml:"calendars"`

	sources []domain.Source
}

// Load reads, parses and validates the configuration file. The Telegram
// token may also come from the CALWATCH_TELEGRAM_TOKEN environment
// variable, which takes precedence over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if token := os.Getenv("CALWATCH_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.SnapshotDir == "" {
		c.Storage.SnapshotDir = "./data/snapshots"
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = "./data/calwatch.db"
	}
	if c.SummaryDays <= 0 {
		c.SummaryDays = 2
	}
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (or set CALWATCH_TELEGRAM_TOKEN)")
	}
	if len(c.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("telegram.chat_ids must list at least one chat")
	}
	if len(c.Calendars) == 0 {
		return fmt.Errorf("no calendars configured")
	}

	seen := make(map[string]string)
	c.sources = make([]domain.Source, 0, len(c.Calendars))

	for i, cal := range c.Calendars {
		label := cal.Name
		if label == "" {
			label = fmt.Sprintf("calendars[%d]", i)
		}

		if cal.URL == "" {
			return fmt.Errorf("%s: url is required", label)
		}

		srcType := domain.SourceICS
		switch cal.Type {
		case "", "ics":
		case "caldav":
			srcType = domain.SourceCalDAV
			if cal.Username == "" || cal.Password == "" {
				return fmt.Errorf("%s: caldav sources require username and password", label)
			}
		default:
			return fmt.Errorf("%s: unknown source type %q", label, cal.Type)
		}

		cronExpr := cal.Cron
		if cronExpr == "" {
			cronExpr = c.Refresh
		}
		if cronExpr == "" {
			return fmt.Errorf("%s: no cron schedule (set calendars[].cron or top-level refresh)", label)
		}
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return fmt.Errorf("%s: invalid cron expression %q: %w", label, cronExpr, err)
		}

		tz := time.UTC
		if cal.Timezone != "" {
			loc, err := time.LoadLocation(cal.Timezone)
			if err != nil {
				return fmt.Errorf("%s: unknown timezone %q: %w", label, cal.Timezone, err)
			}
			tz = loc
		}

		src := domain.Source{
			Name:     cal.Name,
			URL:      cal.URL,
			Type:     srcType,
			CronExpr: cronExpr,
			Timezone: tz,
			Username: cal.Username,
			Password: cal.Password,
		}

		if prev, dup := seen[src.ID()]; dup {
			return fmt.Errorf("%s: duplicate source URL (already used by %s)", label, prev)
		}
		seen[src.ID()] = label

		c.sources = append(c.sources, src)
	}

	return nil
}

// Sources returns the validated tracked sources.
func (c *Config) Sources() []domain.Source {
	return c.sources
}

// IsAllowedChat reports whether a chat may interact with the bot.
func (c *Config) IsAllowedChat(chatID int64) bool {
	for _, id := range c.Telegram.ChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

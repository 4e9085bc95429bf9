package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry is the record shared by catalog defaults, calendars and groups.
// Empty fields mean "not set" and fall through to the defaults when merged.
type Entry struct {
	ID string `yaml:"id,omitempty"`

	// CalDAV access, passed to the extraction tool.
	CalDAVURL      string `yaml:"caldav_url,omitempty"`
	CalDAVUsername string `yaml:"caldav_username,omitempty"`
	CalDAVPassword string `yaml:"caldav_password,omitempty"`
	CalendarURL    string `yaml:"calendar_url,omitempty"`

	// Feed metadata, passed to the formatting tool.
	Title       string `yaml:"title,omitempty"`
	Link        string `yaml:"link,omitempty"`
	Description string `yaml:"description,omitempty"`
	Timezone    string `yaml:"timezone,omitempty"`

	// CacheTTLSeconds is how long a generated feed counts as fresh.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty"`
}

// Group combines several calendars into one feed.
type Group struct {
	Entry   `yaml:",inline"`
	Members []string `yaml:"members"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PrewarmTarget is one (calendar, hours) pair regenerated on schedule.
type PrewarmTarget struct {
	Calendar string `yaml:"calendar"`
	Hours    int    `yaml:"hours"`
}

// PrewarmConfig schedules background regeneration of popular feeds.
type PrewarmConfig struct {
	// Schedule is a cron expression ("*/10 * * * *") or descriptor ("@every 10m").
	Schedule string          `yaml:"schedule"`
	Targets  []PrewarmTarget `yaml:"targets"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MaxTimeHours is the largest accepted request window (inclusive).
	MaxTimeHours int `yaml:"max_time_hours"`

	// ExtractorPath is the plann executable.
	ExtractorPath string `yaml:"extractor_path"`

	// FormatterPath is the ical2rss executable.
	FormatterPath string `yaml:"formatter_path"`

	// CacheDir holds one generated feed per (target, hours).
	CacheDir string `yaml:"cache_dir"`

	// DebugKey, when presented as ?debug=..., reveals regeneration errors
	// in stale responses. Empty disables the feature.
	DebugKey string `yaml:"debug_key"`

	// ProcessTimeoutSeconds bounds each external process run.
	ProcessTimeoutSeconds int `yaml:"process_timeout_seconds"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
	Prewarm   *PrewarmConfig   `yaml:"prewarm,omitempty"`

	Defaults  Entry   `yaml:"defaults"`
	Calendars []Entry `yaml:"calendars"`
	Groups    []Group `yaml:"groups"`
}

const (
	defaultListen         = "127.0.0.1:8080"
	defaultMaxTimeHours   = 24 * 365
	defaultCacheDir       = "./rsscache"
	defaultProcessTimeout = 60
	defaultCacheTTL       = 300
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                defaultListen,
		LogLevel:              "info",
		MaxTimeHours:          defaultMaxTimeHours,
		ExtractorPath:         "plann",
		FormatterPath:         "ical2rss",
		CacheDir:              defaultCacheDir,
		ProcessTimeoutSeconds: defaultProcessTimeout,
		Defaults: Entry{
			Title:           "Calendar Events",
			Link:            "https://example.com",
			Description:     "Calendar Feed",
			Timezone:        "UTC",
			CacheTTLSeconds: defaultCacheTTL,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Catalog entries are left
// alone; their gaps are filled from Defaults at resolve time.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxTimeHours <= 0 {
		c.MaxTimeHours = defaultMaxTimeHours
	}
	if c.ExtractorPath == "" {
		c.ExtractorPath = "plann"
	}
	if c.FormatterPath == "" {
		c.FormatterPath = "ical2rss"
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.ProcessTimeoutSeconds <= 0 {
		c.ProcessTimeoutSeconds = defaultProcessTimeout
	}
	if c.Defaults.CacheTTLSeconds <= 0 {
		c.Defaults.CacheTTLSeconds = defaultCacheTTL
	}
	if c.Calendars == nil {
		c.Calendars = []Entry{}
	}
	if c.Groups == nil {
		c.Groups = []Group{}
	}
}

// Validate checks structural problems that make the catalog unusable as a
// whole: bad or duplicate ids and groups without members. Missing per-target
// fields are reported per request by the resolver instead, so one broken
// calendar does not take the others down.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]string)

	check := func(kind, id string) {
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s without id", kind))
			return
		case !idPattern.MatchString(id) || strings.Contains(id, ".."):
			errs = append(errs, fmt.Errorf("%s id %q: only letters, digits, '.', '_' and '-' are allowed", kind, id))
		}
		if prev, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("%s id %q already used by a %s", kind, id, prev))
		}
		seen[id] = kind
	}

	for _, cal := range c.Calendars {
		check("calendar", cal.ID)
	}
	for _, g := range c.Groups {
		check("group", g.ID)
		if len(g.Members) == 0 {
			errs = append(errs, fmt.Errorf("group %q has no members", g.ID))
		}
	}
	if c.Prewarm != nil {
		for _, t := range c.Prewarm.Targets {
			if t.Hours < 1 || t.Hours > c.MaxTimeHours {
				errs = append(errs, fmt.Errorf("prewarm target %q: hours must be between 1 and %d", t.Calendar, c.MaxTimeHours))
			}
		}
	}
	return errors.Join(errs...)
}

// ProcessTimeout returns the per-process run limit.
func (c *Config) ProcessTimeout() time.Duration {
	return time.Duration(c.ProcessTimeoutSeconds) * time.Second
}

// ApplyEnv overrides selected settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CALFEED_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CALFEED_DEBUG_KEY"); v != "" {
		c.DebugKey = v
	}
	if v := os.Getenv("CALFEED_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("CALFEED_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - start from DefaultConfig and unmarshal YAML over it
//   - apply CALFEED_* environment overrides
//   - normalize defaults
//   - validate ids
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

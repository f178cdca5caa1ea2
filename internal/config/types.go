package config

import "strings"

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "1h"); empty strings fall back to defaults when the app
// maps a section onto a component.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Secrets    SecretsConfig    `json:"secrets"`
	Automation AutomationConfig `json:"automation"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Comments   CommentsConfig   `json:"comments"`
	Parse      ParseConfig      `json:"parse"`
	Generate   GenerateConfig   `json:"generate"`
	Notifier   NotifierConfig   `json:"notifier"`
	Status     StatusConfig     `json:"status"`
}

// TelegramConfig configures the notification bot and the session dialer.
type TelegramConfig struct {
	// Token of the notification bot. Overridden by TGNINJA_BOT_TOKEN.
	Token   string `json:"token,omitempty"`
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// Sessions picks how account credentials are driven: "mtproto" for user
	// string sessions, "botapi" for bot tokens. Empty selects mtproto when
	// app_id is set.
	Sessions string `json:"sessions,omitempty"`
	AppID    int    `json:"app_id,omitempty"`
	// AppHash is overridden by TGNINJA_APP_HASH.
	AppHash string `json:"app_hash,omitempty"`
}

// SessionDriver resolves Sessions, defaulting on app_id.
func (t TelegramConfig) SessionDriver() string {
	if d := strings.ToLower(strings.TrimSpace(t.Sessions)); d != "" {
		return d
	}
	if t.AppID > 0 {
		return "mtproto"
	}
	return "botapi"
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store driver.
//
// Driver: "sqlite" (default) or "memory".
type StorageConfig struct {
	Driver string           `json:"driver,omitempty"`
	SQLite SQLiteConfig     `json:"sqlite,omitempty"`
	Retry  StoreRetryConfig `json:"retry,omitempty"`
}

type SQLiteConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// StoreRetryConfig bounds how long the executor retries one outcome write.
type StoreRetryConfig struct {
	Attempts int    `json:"attempts,omitempty"`
	Base     string `json:"base,omitempty"`
	Max      string `json:"max,omitempty"`
}

// SecretsConfig holds the process-wide credential secret.
// Overridden by TGNINJA_ENCRYPTION_KEY; never logged.
type SecretsConfig struct {
	EncryptionKey string `json:"encryption_key,omitempty"`
	Salt          string `json:"salt,omitempty"`
	Iterations    int    `json:"iterations,omitempty"`
}

// SpacingConfig is a minimum spacing range. A value is drawn uniformly from
// [Min, Max] before each action; Max < Min is treated as Max == Min.
type SpacingConfig struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

// ActionLimits configures one action kind on one session.
type ActionLimits struct {
	Spacing   SpacingConfig `json:"spacing,omitempty"`
	HourlyCap int           `json:"hourly_cap,omitempty"`
}

type AutomationConfig struct {
	Invite    ActionLimits `json:"invite,omitempty"`
	Broadcast ActionLimits `json:"broadcast,omitempty"`
	Comment   ActionLimits `json:"comment,omitempty"`
	Read      ActionLimits `json:"read,omitempty"`

	MinCadence string `json:"min_cadence,omitempty"`
	MaxCadence string `json:"max_cadence,omitempty"`

	// PeerFloodCooldown is used when the platform signals a temporary block
	// without a wait duration.
	PeerFloodCooldown string `json:"peer_flood_cooldown,omitempty"`
	ProgressTTL       string `json:"progress_ttl,omitempty"`
}

type SchedulerConfig struct {
	Enabled           *bool  `json:"enabled,omitempty"`
	BroadcastTick     string `json:"broadcast_tick,omitempty"`
	CommentTick       string `json:"comment_tick,omitempty"`
	ActivityCleanup   string `json:"activity_cleanup,omitempty"`
	ActivityRetention string `json:"activity_retention,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
}

type CommentsConfig struct {
	MaxPerPass      int      `json:"max_per_pass,omitempty"`
	RecentPosts     int      `json:"recent_posts,omitempty"`
	MinPostLen      int      `json:"min_post_len,omitempty"`
	MaxPostAge      string   `json:"max_post_age,omitempty"`
	PickProbability float64  `json:"pick_probability,omitempty"`
	SpamWords       []string `json:"spam_words,omitempty"`
	Template        string   `json:"template,omitempty"`
}

// ParseConfig bounds member scraping. Page size is chosen by the session adapter.
type ParseConfig struct {
	MaxMembers int `json:"max_members,omitempty"`
}

// GenerateConfig configures the OpenAI-compatible comment generator.
// An empty APIKey disables generation; comments then use the template.
type GenerateConfig struct {
	APIKey      string  `json:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MinLen      int     `json:"min_len,omitempty"`
	MaxLen      int     `json:"max_len,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	QueueSize  int  `json:"queue_size,omitempty"`
}

// StatusConfig configures the operator HTTP endpoint (jobs, progress, pprof).
// A non-loopback Addr requires Token unless AllowInsecure is set.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// SchedulerEnabled defaults to true when the field is omitted.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

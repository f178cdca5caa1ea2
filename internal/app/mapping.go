package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/internal/config"
	"tgninja/internal/generate"
	"tgninja/internal/notifier"
	"tgninja/internal/observability/status"
	"tgninja/internal/session"
	"tgninja/internal/session/botapi"
	"tgninja/internal/session/mtproto"
	"tgninja/internal/storage"
	"tgninja/internal/task/engine"
	"tgninja/internal/task/governor"
	"tgninja/internal/task/scheduler"
	"tgninja/pkg/logx"
)

const (
	defaultProgressTTL = time.Hour
	defaultBotTimeout  = 10 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.SQLite.Path)
		if path == "" {
			path = "./data/tgninja.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.sqlite.busy_timeout", sc.SQLite.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPolicies(cfg *config.Config) (map[governor.Action]governor.Policy, error) {
	def := governor.DefaultPolicies()
	out := make(map[governor.Action]governor.Policy, len(def))
	for a, al := range map[governor.Action]config.ActionLimits{
		governor.Invite:    cfg.Automation.Invite,
		governor.Broadcast: cfg.Automation.Broadcast,
		governor.Comment:   cfg.Automation.Comment,
		governor.Read:      cfg.Automation.Read,
	} {
		p := def[a]
		lo, hi, err := config.ParseSpacing("automation."+string(a)+".spacing", al.Spacing, p.MinSpacing, p.MaxSpacing)
		if err != nil {
			return nil, err
		}
		p.MinSpacing, p.MaxSpacing = lo, hi
		if al.HourlyCap > 0 {
			p.HourlyCap = al.HourlyCap
		}
		out[a] = p
	}
	return out, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	a := cfg.Automation
	var (
		out engine.Config
		err error
	)
	if out.MinCadence, err = config.ParseDurationField("automation.min_cadence", a.MinCadence); err != nil {
		return out, err
	}
	if out.MaxCadence, err = config.ParseDurationField("automation.max_cadence", a.MaxCadence); err != nil {
		return out, err
	}
	if out.PeerFloodCooldown, err = config.ParseDurationField("automation.peer_flood_cooldown", a.PeerFloodCooldown); err != nil {
		return out, err
	}

	r := cfg.Storage.Retry
	out.StoreRetry.Attempts = r.Attempts
	if out.StoreRetry.Base, err = config.ParseDurationField("storage.retry.base", r.Base); err != nil {
		return out, err
	}
	if out.StoreRetry.Max, err = config.ParseDurationField("storage.retry.max", r.Max); err != nil {
		return out, err
	}

	c := cfg.Comments
	maxAge, err := config.ParseDurationField("comments.max_post_age", c.MaxPostAge)
	if err != nil {
		return out, err
	}
	out.Comments = engine.CommentPolicy{
		MaxPerPass:      c.MaxPerPass,
		RecentPosts:     c.RecentPosts,
		MinPostLen:      c.MinPostLen,
		MaxPostAge:      maxAge,
		PickProbability: c.PickProbability,
		SpamWords:       c.SpamWords,
		Template:        c.Template,
	}
	out.Parse = engine.ParsePolicy{MaxMembers: cfg.Parse.MaxMembers}
	return out, nil
}

func mapProgressTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("automation.progress_ttl", cfg.Automation.ProgressTTL, defaultProgressTTL)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	out := scheduler.Config{
		Enabled:         cfg.SchedulerEnabled(),
		ActivityCleanup: strings.TrimSpace(s.ActivityCleanup),
		Timezone:        strings.TrimSpace(s.Timezone),
	}
	var err error
	if out.BroadcastTick, err = config.ParseDurationField("scheduler.broadcast_tick", s.BroadcastTick); err != nil {
		return out, err
	}
	if out.CommentTick, err = config.ParseDurationField("scheduler.comment_tick", s.CommentTick); err != nil {
		return out, err
	}
	if out.ActivityRetention, err = config.ParseDurationField("scheduler.activity_retention", s.ActivityRetention); err != nil {
		return out, err
	}
	if out.ActivityCleanup != "" {
		if _, err := scheduler.ParseSchedule(out.ActivityCleanup); err != nil {
			return out, errors.Wrap(err, "scheduler.activity_cleanup")
		}
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return out, errors.Wrapf(err, "scheduler.timezone: invalid %q", out.Timezone)
		}
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:     n.Enabled,
		RatePerSec:  n.RatePerSec,
		QueueSize:   n.QueueSize,
		RetryMax:    2,
		DedupWindow: 10 * time.Minute,
	}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	st := cfg.Status
	return status.Config{
		Enabled:       st.Enabled,
		Addr:          strings.TrimSpace(st.Addr),
		Token:         strings.TrimSpace(st.Token),
		AllowInsecure: st.AllowInsecure,
	}
}

// mapGenerator returns the OpenAI generator when an API key is set and the
// always-failing generator otherwise, so comments fall back to the template.
func mapGenerator(cfg *config.Config) (generate.Generator, generate.ComposerConfig, error) {
	g := cfg.Generate
	ccfg := generate.ComposerConfig{MinLen: g.MinLen, MaxLen: g.MaxLen}
	timeout, err := config.ParseDurationField("generate.timeout", g.Timeout)
	if err != nil {
		return nil, ccfg, err
	}
	if strings.TrimSpace(g.APIKey) == "" {
		return generate.Disabled{}, ccfg, nil
	}
	return generate.NewOpenAI(generate.OpenAIConfig{
		APIKey:      g.APIKey,
		BaseURL:     g.BaseURL,
		Model:       g.Model,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		Timeout:     timeout,
	}), ccfg, nil
}

func mapBotTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, defaultBotTimeout)
}

// mapSessionDialer picks the session driver. Bot tokens go through the Bot
// API; user sessions need the app credentials and go over MTProto.
func mapSessionDialer(cfg *config.Config, log logx.Logger) (session.Dialer, string, error) {
	timeout, err := mapBotTimeout(cfg)
	if err != nil {
		return nil, "", err
	}
	switch driver := cfg.Telegram.SessionDriver(); driver {
	case "mtproto":
		return mtproto.NewDialer(mtproto.Config{
			AppID:       cfg.Telegram.AppID,
			AppHash:     cfg.Telegram.AppHash,
			DialTimeout: 3 * timeout,
		}, log), driver, nil
	case "botapi":
		return botapi.NewDialer(botapi.Config{APIURL: cfg.Telegram.APIURL, Timeout: timeout}), driver, nil
	default:
		return nil, "", errors.Newf("telegram.sessions: unknown driver %q", driver)
	}
}

// validate rejects a config that any component would refuse. It runs on load
// and before every hot reload is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPolicies(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProgressTTL(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapGenerator(cfg); err != nil {
		return err
	}
	_, err := mapBotTimeout(cfg)
	return err
}

package config

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Validate checks values that would otherwise fail late, at component
// construction. Defaults are not applied here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch cfg.Telegram.SessionDriver() {
	case "botapi":
	case "mtproto":
		if cfg.Telegram.AppID <= 0 || strings.TrimSpace(cfg.Telegram.AppHash) == "" {
			errs = append(errs, errors.New("telegram: mtproto sessions need app_id and app_hash"))
		}
	default:
		errs = append(errs, errors.Newf("telegram.sessions: unknown driver %q", cfg.Telegram.Sessions))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, errors.Newf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	for name, al := range map[string]ActionLimits{
		"automation.invite":    cfg.Automation.Invite,
		"automation.broadcast": cfg.Automation.Broadcast,
		"automation.comment":   cfg.Automation.Comment,
		"automation.read":      cfg.Automation.Read,
	} {
		_, _, err := ParseSpacing(name+".spacing", al.Spacing, 0, 0)
		check(err)
		if al.HourlyCap < 0 {
			errs = append(errs, errors.Newf("%s.hourly_cap: must be >= 0", name))
		}
	}

	lo, err := ParseDurationField("automation.min_cadence", cfg.Automation.MinCadence)
	check(err)
	hi, err := ParseDurationField("automation.max_cadence", cfg.Automation.MaxCadence)
	check(err)
	if lo > 0 && hi > 0 && hi < lo {
		errs = append(errs, errors.New("automation.max_cadence: must be >= min_cadence"))
	}

	for path, raw := range map[string]string{
		"automation.peer_flood_cooldown": cfg.Automation.PeerFloodCooldown,
		"automation.progress_ttl":        cfg.Automation.ProgressTTL,
		"scheduler.broadcast_tick":       cfg.Scheduler.BroadcastTick,
		"scheduler.comment_tick":         cfg.Scheduler.CommentTick,
		"scheduler.activity_retention":   cfg.Scheduler.ActivityRetention,
		"comments.max_post_age":          cfg.Comments.MaxPostAge,
		"storage.retry.base":             cfg.Storage.Retry.Base,
		"storage.retry.max":              cfg.Storage.Retry.Max,
		"storage.sqlite.busy_timeout":    cfg.Storage.SQLite.BusyTimeout,
		"generate.timeout":               cfg.Generate.Timeout,
		"telegram.timeout":               cfg.Telegram.Timeout,
	} {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if p := cfg.Comments.PickProbability; p < 0 || p > 1 {
		errs = append(errs, errors.New("comments.pick_probability: must be within [0,1]"))
	}
	return errors.Join(errs...)
}

package config

import (
	"reflect"
	"sort"
	"strings"

	"tgninja/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured fields for logging. Secrets (tokens, keys) are only
// reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL ||
		oldCfg.Telegram.Timeout != newCfg.Telegram.Timeout ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.Sessions != newCfg.Telegram.Sessions ||
		oldCfg.Telegram.AppID != newCfg.Telegram.AppID ||
		oldCfg.Telegram.AppHash != newCfg.Telegram.AppHash {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.String("telegram.api_url", newCfg.Telegram.APIURL),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.String("telegram.sessions", newCfg.Telegram.Sessions),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Secrets, newCfg.Secrets) {
		changed = append(changed, "secrets")
	}

	if !reflect.DeepEqual(oldCfg.Automation, newCfg.Automation) {
		changed = append(changed, "automation")
		fields = append(fields,
			logx.Int("automation.invite.hourly_cap", newCfg.Automation.Invite.HourlyCap),
			logx.String("automation.min_cadence", newCfg.Automation.MinCadence),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Comments, newCfg.Comments) {
		changed = append(changed, "comments")
		fields = append(fields, logx.Int("comments.max_per_pass", newCfg.Comments.MaxPerPass))
	}

	if oldCfg.Parse != newCfg.Parse {
		changed = append(changed, "parse")
		fields = append(fields, logx.Int("parse.max_members", newCfg.Parse.MaxMembers))
	}

	if oldCfg.Generate != newCfg.Generate {
		changed = append(changed, "generate")
		fields = append(fields,
			logx.Bool("generate.api_key_set", strings.TrimSpace(newCfg.Generate.APIKey) != ""),
			logx.String("generate.model", newCfg.Generate.Model),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		fields = append(fields, logx.Bool("notifier.enabled", newCfg.Notifier.Enabled))
	}
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		fields = append(fields,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired reports sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "secrets", "telegram":
			out = append(out, s)
		}
	}
	return out
}

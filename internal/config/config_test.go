package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  sqlite:
    path: ./data/jobs.db
automation:
  invite:
    spacing: {min: 30s}
    hourly_cap: 50
  broadcast:
    spacing: {min: 2s, max: 5s}
  min_cadence: 1h
  max_cadence: 24h
comments:
  spam_words: [реклама, скидка]
`

func TestDecodeYAMLMatchesJSON(t *testing.T) {
	t.Parallel()
	y, err := Decode("cfg.yaml", []byte(sampleYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", y.Logging.Level)
	assert.Equal(t, 50, y.Automation.Invite.HourlyCap)
	assert.Equal(t, "5s", y.Automation.Broadcast.Spacing.Max)
	assert.Equal(t, []string{"реклама", "скидка"}, y.Comments.SpamWords)
	require.NoError(t, Validate(y))
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("cfg.json", []byte(`{"logging":{"level":"info"},"plugins":{}}`), nil)
	require.Error(t, err)

	_, err = Decode("cfg.json", []byte(`{} {}`), nil)
	require.Error(t, err)
}

func TestDecodeAppliesEnvOverrides(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvEncryptionKey: "from-env",
		EnvOpenAIKey:     "sk-env",
		EnvAppHash:       "hash-env",
	}
	cfg, err := Decode("cfg.json", []byte(`{"secrets":{"encryption_key":"from-file"}}`), func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Secrets.EncryptionKey)
	assert.Equal(t, "sk-env", cfg.Generate.APIKey)
	assert.Equal(t, "hash-env", cfg.Telegram.AppHash)
	assert.Equal(t, "botapi", cfg.Telegram.SessionDriver())
	assert.Empty(t, cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "empty", cfg: Config{}, ok: true},
		{name: "bad driver", cfg: Config{Storage: StorageConfig{Driver: "postgres"}}},
		{name: "bad spacing", cfg: Config{Automation: AutomationConfig{Invite: ActionLimits{Spacing: SpacingConfig{Min: "soon"}}}}},
		{name: "negative cap", cfg: Config{Automation: AutomationConfig{Read: ActionLimits{HourlyCap: -1}}}},
		{name: "inverted cadence", cfg: Config{Automation: AutomationConfig{MinCadence: "2h", MaxCadence: "1h"}}},
		{name: "probability", cfg: Config{Comments: CommentsConfig{PickProbability: 1.5}}},
		{name: "mtproto", cfg: Config{Telegram: TelegramConfig{AppID: 12345, AppHash: "abc"}}, ok: true},
		{name: "mtproto without hash", cfg: Config{Telegram: TelegramConfig{AppID: 12345}}},
		{name: "forced mtproto without app", cfg: Config{Telegram: TelegramConfig{Sessions: "mtproto"}}},
		{name: "unknown sessions", cfg: Config{Telegram: TelegramConfig{Sessions: "tdlib"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestParseSpacing(t *testing.T) {
	t.Parallel()
	lo, hi, err := ParseSpacing("x", SpacingConfig{}, time.Second, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, lo)
	assert.Equal(t, 2*time.Second, hi)

	lo, hi, err = ParseSpacing("x", SpacingConfig{Min: "30s"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, lo)
	assert.Equal(t, 30*time.Second, hi)
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600))

	m := NewManager(path)
	m.getenv = func(string) string { return "" }
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	ch := m.Subscribe(1)
	assert.False(t, m.reload(context.Background()), "unchanged content must not publish")

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	require.True(t, m.reload(context.Background()))
	got := <-ch
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"bogus"}}`), 0o600))
	assert.False(t, m.reload(context.Background()))
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Logging.Level = "debug"
	newCfg.Telegram.Token = "secret-token"
	newCfg.Automation.Invite.HourlyCap = 20

	sections, fields := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"automation", "logging", "telegram"}, sections)
	assert.NotEmpty(t, fields)
	assert.Equal(t, []string{"telegram"}, RestartRequired(sections))

	sections, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, sections)
}

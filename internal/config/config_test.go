package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "abc"
  owner_user_ids: [1, 2]
  group_log: "-100123"
  poll_timeout: 15s
  vault_chat_id: -100999
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./vault.db
rotation:
  lease_duration: 45s
  cooldown: 0s
  catalogs:
    - name: photo
      label: "📷 PHOTO"
access:
  force_join:
    - title: Backup
      username: backup
maintenance:
  enabled: true
  lease_reaper: 1m
ops:
  enabled: true
  pprof: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAMLAndResolve(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, cfg.Telegram.OwnerUserIDs)
	require.Same(t, cfg, m.Get())

	rt, err := cfg.Resolve()
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, rt.PollTimeout)
	require.Equal(t, int64(-100123), rt.GroupLogChatID)
	require.Equal(t, 45*time.Second, rt.LeaseDuration)
	require.Equal(t, DefaultMaxAttempts, rt.MaxAttempts)
	require.Zero(t, rt.Cooldown, "explicit 0s disables the cooldown")
	require.Equal(t, []CatalogConfig{{Name: "photo", Label: "📷 PHOTO", Command: "photo"}}, rt.Catalogs)
	require.Equal(t, DefaultBanCacheTTL, rt.BanCacheTTL)
	require.Equal(t, DefaultSendRatePerSec, rt.SendRatePerSec)
}

func TestParseStrict(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown key":   `{"telegram": {"tokn": "x"}}`,
		"trailing data": `{"telegram": {}} {"x": 1}`,
		"bad json":      `{`,
	}
	for name, body := range cases {
		_, err := NewConfigManager(writeFile(t, "config.json", body)).Parse()
		require.Error(t, err, name)
	}

	_, err := NewConfigManager(writeFile(t, "config.yml", "- a\n- b\n")).Parse()
	require.ErrorContains(t, err, "mapping")
}

func TestResolveDefaultsAndErrors(t *testing.T) {
	t.Parallel()

	rt, err := (&Config{}).Resolve()
	require.NoError(t, err)
	require.Equal(t, DefaultCooldown, rt.Cooldown)
	require.Equal(t, DefaultLeaseDuration, rt.LeaseDuration)
	require.Len(t, rt.Catalogs, 2)

	bad := &Config{
		Telegram: TelegramConfig{GroupLog: "chat", PollTimeout: "soon"},
		Storage:  StorageConfig{Driver: "sqlite"},
		Rotation: RotationConfig{
			MaxAttempts: -1,
			Catalogs:    []CatalogConfig{{Name: "a"}, {Name: "a"}, {Name: " "}},
		},
		Access: AccessConfig{ForceJoin: []ChannelConfig{{Title: "x"}, {Title: "p", ChatID: -1}}},
	}
	_, err = bad.Resolve()
	require.Error(t, err)
	for _, want := range []string{
		"telegram.group_log", "telegram.poll_timeout", "storage.path",
		"rotation.max_attempts", "duplicate", "catalogs[2].name",
		"force_join[0]", "invite_url",
	} {
		require.ErrorContains(t, err, want)
	}

	_, err = (&Config{Storage: StorageConfig{Driver: "mongo"}}).Resolve()
	require.ErrorContains(t, err, "unknown driver")
}

func TestApplyEnvFillsToken(t *testing.T) {
	t.Setenv(EnvBotToken, " from-env ")

	cfg := &Config{}
	ApplyEnv(cfg)
	require.Equal(t, "from-env", cfg.Telegram.Token)

	cfg = &Config{Telegram: TelegramConfig{Token: "file"}}
	ApplyEnv(cfg)
	require.Equal(t, "file", cfg.Telegram.Token)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	p := writeFile(t, ".env", "VAULTBOT_TEST_DOTENV=yes\n")
	t.Setenv("VAULTBOT_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("VAULTBOT_TEST_DOTENV"))
	require.NoError(t, LoadDotEnv(p))
	require.Equal(t, "yes", os.Getenv("VAULTBOT_TEST_DOTENV"))
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Ops: OpsConfig{Token: "old"}}
	b := &Config{
		Ops:     OpsConfig{Token: "new", Enabled: true},
		Logging: LoggingConfig{Level: "debug"},
	}
	changed, attrs := SummarizeConfigChange(a, b)
	require.Equal(t, []string{"logging", "ops"}, changed)
	require.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(a, a)
	require.Empty(t, changed)

	require.Equal(t, []string{"storage"}, RestartRequired(&Config{}, &Config{Storage: StorageConfig{Driver: "sqlite"}}))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"rotation": {"max_attempts": -5}}`), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	require.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	<-done
}

func TestReloadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"storage": {"driver": "nope"}}`), 0o600))
	require.False(t, m.reload(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`{"ops": {"enabled": true}}`), 0o600))
	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	require.False(t, m.reload(context.Background()))

	m.SetValidator(nil)
	require.True(t, m.reload(context.Background()))
	require.False(t, m.reload(context.Background()), "unchanged content is not republished")
}

func TestExampleConfigLoads(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	rt, err := cfg.Resolve()
	require.NoError(t, err)
	require.Len(t, rt.Catalogs, 2)
	require.Equal(t, int64(-1001234567890), rt.GroupLogChatID)
	require.Len(t, cfg.Access.ForceJoin, 2)
}

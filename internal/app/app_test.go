package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultbot/internal/config"
	kit "vaultbot/internal/transport"
)

type fakeAdapter struct {
	mu     sync.Mutex
	texts  []string
	copies []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(context.Context, string, string, bool) error { return nil }

func (f *fakeAdapter) CopyMessage(_ context.Context, to kit.ChatTarget, from int64, id int) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, fmt.Sprintf("%d->%d:%d", from, to.ChatID, id))
	return kit.MessageRef{ChatID: to.ChatID, MessageID: id}, nil
}

func (f *fakeAdapter) IsMember(context.Context, kit.ChannelRef, int64) (bool, error) {
	return true, nil
}

func (f *fakeAdapter) snapshot() (texts, copies []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([]string(nil), f.copies...)
}

const testConfig = `{
  "telegram": {"token": "t", "owner_user_ids": [1], "vault_chat_id": -100500},
  "logging": {"level": "error", "console": false},
  "storage": {"driver": "memory"},
  "rotation": {"cooldown": "0s", "catalogs": [{"name": "photo", "label": "📷 PHOTO"}]},
  "maintenance": {"enabled": false},
  "ops": {"enabled": false}
}`

func newTestApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(testConfig), 0o600))

	cfgm := config.NewConfigManager(p)
	cfg, err := cfgm.Load()
	require.NoError(t, err)
	rt, err := cfg.Resolve()
	require.NoError(t, err)

	ad := &fakeAdapter{}
	a, err := build(cfgm, cfg, rt, ad)
	require.NoError(t, err)
	return a, ad
}

func TestAppDeliversFromCatalog(t *testing.T) {
	a, ad := newTestApp(t)
	ctx := context.Background()

	_, err := a.store.Ingest(ctx, "photo", "42", "", time.Now())
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: 7, FromID: 7, FromName: "Ann", Text: "/photo", IsPrivate: true,
	}}

	require.Eventually(t, func() bool {
		_, copies := ad.snapshot()
		return len(copies) == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, copies := ad.snapshot()
	require.Equal(t, "-100500->7:42", copies[0])
	require.Nil(t, a.health(ctx))
}

func TestAppApplyConfig(t *testing.T) {
	a, _ := newTestApp(t)
	prev := a.cfgm.Get()

	next := *prev
	next.Rotation.Cooldown = "3s"
	next.Telegram.OwnerUserIDs = []int64{1, 9}
	next.Rotation.Catalogs = append(next.Rotation.Catalogs, config.CatalogConfig{Name: "video", Label: "🏙 VIDEO"})

	a.applyConfig(context.Background(), prev, &next)

	require.Equal(t, 3*time.Second, a.limiter.Cooldown())
	require.True(t, a.router.IsOwner(9))
	require.Equal(t, []string{"photo", "video"}, a.catalogNames())
	require.NoError(t, a.store.Close())
}

func TestRegistryExportsAppMetrics(t *testing.T) {
	a, _ := newTestApp(t)
	t.Cleanup(func() { _ = a.store.Close() })

	mfs, err := a.registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["vaultbot_eventbus_dropped_total"])
	require.True(t, names["vaultbot_cache_entries"])
	require.True(t, names["go_goroutines"])
}

func TestStopBeforeStart(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, a.Stop(context.Background(), StopSIGINT))
	require.NoError(t, a.store.Close())
}

// Package access decides whether a user may use the bot: the ban list and
// the channels a user has to join first. Both answers are cached briefly.
package access

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"vaultbot/internal/cache"
	"vaultbot/internal/storage"
	kit "vaultbot/internal/transport"
	logx "vaultbot/pkg/logx"
)

type MembershipChecker interface {
	IsMember(ctx context.Context, channel kit.ChannelRef, userID int64) (bool, error)
}

// Channel is a channel users must join. Public channels are addressed by
// username, private ones by chat id plus an invite link.
type Channel struct {
	Ref       kit.ChannelRef
	Title     string
	InviteURL string
}

// URL returns the join link shown to users.
func (c Channel) URL() string {
	if c.InviteURL != "" {
		return c.InviteURL
	}
	if u := strings.TrimPrefix(c.Ref.Username, "@"); u != "" {
		return "https://t.me/" + u
	}
	return ""
}

func (c Channel) key() string {
	if c.Ref.ChatID != 0 {
		return fmt.Sprintf("%d", c.Ref.ChatID)
	}
	return strings.ToLower(strings.TrimPrefix(c.Ref.Username, "@"))
}

type Config struct {
	BanCacheTTL    time.Duration
	MemberCacheTTL time.Duration
	ForceJoin      []Channel
}

type memberKey struct {
	channel string
	user    int64
}

type Guard struct {
	bans    storage.BanStore
	members MembershipChecker
	log     logx.Logger
	now     func() time.Time

	banCache    *cache.TTL[int64, bool]
	memberCache *cache.TTL[memberKey, bool]

	cfg atomic.Pointer[Config]
}

func New(cfg Config, bans storage.BanStore, members MembershipChecker, log logx.Logger, opts ...cache.Option) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Guard{
		bans:        bans,
		members:     members,
		log:         log.With(logx.String("comp", "access")),
		now:         time.Now,
		banCache:    cache.New[int64, bool](opts...),
		memberCache: cache.New[memberKey, bool](opts...),
	}
	g.UpdateConfig(cfg)
	return g
}

func (g *Guard) UpdateConfig(cfg Config) {
	cp := cfg
	cp.ForceJoin = append([]Channel(nil), cfg.ForceJoin...)
	g.cfg.Store(&cp)
}

func (g *Guard) config() Config { return *g.cfg.Load() }

// IsBanned consults the cache first. A store error is returned, not cached.
func (g *Guard) IsBanned(ctx context.Context, userID int64) (bool, error) {
	if v, ok := g.banCache.Get(userID); ok {
		return v, nil
	}
	banned, err := g.bans.IsBanned(ctx, userID)
	if err != nil {
		return false, err
	}
	g.banCache.Set(userID, banned, g.config().BanCacheTTL)
	return banned, nil
}

func (g *Guard) Ban(ctx context.Context, userID int64, reason string) error {
	defer g.banCache.Delete(userID)
	if err := g.bans.Ban(ctx, userID, reason, g.now()); err != nil {
		return err
	}
	g.log.Info("user banned", logx.Int64("user_id", userID), logx.String("reason", reason))
	return nil
}

func (g *Guard) Unban(ctx context.Context, userID int64) error {
	defer g.banCache.Delete(userID)
	if err := g.bans.Unban(ctx, userID); err != nil {
		return err
	}
	g.log.Info("user unbanned", logx.Int64("user_id", userID))
	return nil
}

// MissingChannels returns the required channels userID has not joined. A
// failed lookup counts as not joined and is not cached.
func (g *Guard) MissingChannels(ctx context.Context, userID int64) []Channel {
	cfg := g.config()
	var missing []Channel
	for _, ch := range cfg.ForceJoin {
		k := memberKey{channel: ch.key(), user: userID}
		if ok, hit := g.memberCache.Get(k); hit {
			if !ok {
				missing = append(missing, ch)
			}
			continue
		}
		ok, err := g.members.IsMember(ctx, ch.Ref, userID)
		if err != nil {
			g.log.Warn("membership check failed", logx.String("channel", ch.key()), logx.Int64("user_id", userID), logx.Err(err))
			missing = append(missing, ch)
			continue
		}
		// Only positive answers are cached so a user who just joined is not
		// turned away for a whole TTL.
		if ok {
			g.memberCache.Set(k, true, cfg.MemberCacheTTL)
		} else {
			missing = append(missing, ch)
		}
	}
	return missing
}

// Caches exposes the ban and membership caches for sweeping and metrics.
func (g *Guard) Caches() map[string]cache.Sweeper {
	return map[string]cache.Sweeper{
		"bans":       g.banCache,
		"membership": g.memberCache,
	}
}

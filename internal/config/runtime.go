package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPollTimeout    = 10 * time.Second
	DefaultLeaseDuration  = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultCooldown       = 3 * time.Second
	DefaultBanCacheTTL    = time.Minute
	DefaultMemberCacheTTL = 30 * time.Second
	DefaultSendRatePerSec = 25
)

// DefaultCatalogs is used when rotation.catalogs is empty.
var DefaultCatalogs = []CatalogConfig{
	{Name: "video", Label: "🏙 VIDEO", Command: "video"},
	{Name: "photo", Label: "📷 PHOTO", Command: "photo"},
}

// Runtime holds the parsed, defaulted values components consume.
type Runtime struct {
	PollTimeout    time.Duration
	GroupLogChatID int64
	SendRatePerSec int

	BusyTimeout time.Duration

	LeaseDuration time.Duration
	MaxAttempts   int
	Cooldown      time.Duration
	Catalogs      []CatalogConfig

	BanCacheTTL    time.Duration
	MemberCacheTTL time.Duration

	OpsReadTimeout  time.Duration
	OpsWriteTimeout time.Duration
	OpsIdleTimeout  time.Duration
}

// Resolve parses every duration and id field, applies defaults and checks
// cross-field rules. All problems are reported together.
func (c *Config) Resolve() (Runtime, error) {
	var (
		rt   Runtime
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	rt.PollTimeout = dur("telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout)
	if gl := strings.TrimSpace(c.Telegram.GroupLog); gl != "" {
		id, err := strconv.ParseInt(gl, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: invalid chat id %q", gl))
		}
		rt.GroupLogChatID = id
	}
	rt.SendRatePerSec = c.Telegram.SendRatePerSec
	if rt.SendRatePerSec <= 0 {
		rt.SendRatePerSec = DefaultSendRatePerSec
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	rt.BusyTimeout = dur("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)

	rt.LeaseDuration = dur("rotation.lease_duration", c.Rotation.LeaseDuration, DefaultLeaseDuration)
	rt.MaxAttempts = c.Rotation.MaxAttempts
	if rt.MaxAttempts < 0 {
		errs = append(errs, errors.New("rotation.max_attempts: must be >= 0"))
	}
	if rt.MaxAttempts <= 0 {
		rt.MaxAttempts = DefaultMaxAttempts
	}
	// An explicit "0s" cooldown disables throttling.
	if strings.TrimSpace(c.Rotation.Cooldown) == "" {
		rt.Cooldown = DefaultCooldown
	} else {
		d, err := ParseDurationField("rotation.cooldown", c.Rotation.Cooldown)
		if err != nil {
			errs = append(errs, err)
		}
		rt.Cooldown = d
	}

	rt.Catalogs = append([]CatalogConfig(nil), c.Rotation.Catalogs...)
	if len(rt.Catalogs) == 0 {
		rt.Catalogs = append([]CatalogConfig(nil), DefaultCatalogs...)
	}
	seen := map[string]bool{}
	for i, cat := range rt.Catalogs {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("rotation.catalogs[%d].name: required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("rotation.catalogs[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
		rt.Catalogs[i].Name = name
		if strings.TrimSpace(cat.Command) == "" {
			rt.Catalogs[i].Command = name
		}
	}

	rt.BanCacheTTL = dur("access.ban_cache_ttl", c.Access.BanCacheTTL, DefaultBanCacheTTL)
	rt.MemberCacheTTL = dur("access.member_cache_ttl", c.Access.MemberCacheTTL, DefaultMemberCacheTTL)
	for i, ch := range c.Access.ForceJoin {
		if ch.ChatID == 0 && strings.TrimSpace(ch.Username) == "" {
			errs = append(errs, fmt.Errorf("access.force_join[%d]: username or chat_id required", i))
		}
		if ch.ChatID != 0 && strings.TrimSpace(ch.Username) == "" && strings.TrimSpace(ch.InviteURL) == "" {
			errs = append(errs, fmt.Errorf("access.force_join[%d]: private channels need invite_url", i))
		}
	}

	rt.OpsReadTimeout = dur("ops.read_timeout", c.Ops.ReadTimeout, 10*time.Second)
	// WriteTimeout stays 0 by default so /debug/pprof/profile can run 30s.
	rt.OpsWriteTimeout = dur("ops.write_timeout", c.Ops.WriteTimeout, 0)
	rt.OpsIdleTimeout = dur("ops.idle_timeout", c.Ops.IdleTimeout, time.Minute)

	return rt, errors.Join(errs...)
}

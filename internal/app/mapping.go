package app

import (
	"strings"

	"vaultbot/internal/access"
	"vaultbot/internal/config"
	"vaultbot/internal/maintenance"
	"vaultbot/internal/observability/ops"
	"vaultbot/internal/rotation"
	"vaultbot/internal/storage"
	kit "vaultbot/internal/transport"
	"vaultbot/internal/vault"
	logx "vaultbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config, rt config.Runtime) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: rt.BusyTimeout,
	}
}

func mapRotation(rt config.Runtime) rotation.Config {
	return rotation.Config{LeaseDuration: rt.LeaseDuration, MaxAttempts: rt.MaxAttempts}
}

func mapAccess(cfg *config.Config, rt config.Runtime) access.Config {
	out := access.Config{BanCacheTTL: rt.BanCacheTTL, MemberCacheTTL: rt.MemberCacheTTL}
	for _, ch := range cfg.Access.ForceJoin {
		out.ForceJoin = append(out.ForceJoin, access.Channel{
			Ref:       kit.ChannelRef{ChatID: ch.ChatID, Username: strings.TrimPrefix(strings.TrimSpace(ch.Username), "@")},
			Title:     ch.Title,
			InviteURL: strings.TrimSpace(ch.InviteURL),
		})
	}
	return out
}

func mapVault(cfg *config.Config, rt config.Runtime) vault.Config {
	out := vault.Config{
		LogChat:   rt.GroupLogChatID,
		LogThread: cfg.Logging.Telegram.ThreadID,
		Welcome:   strings.TrimSpace(cfg.Telegram.Welcome),
	}
	for _, c := range rt.Catalogs {
		out.Catalogs = append(out.Catalogs, vault.Catalog{Name: c.Name, Label: c.Label, Command: c.Command})
	}
	return out
}

func mapMaintenance(cfg *config.Config) maintenance.Config {
	m := cfg.Maintenance
	return maintenance.Config{
		Enabled:     m.Enabled,
		Timezone:    m.Timezone,
		LeaseReaper: m.LeaseReaper,
		RatePrune:   m.RatePrune,
		CacheSweep:  m.CacheSweep,
	}
}

func mapOps(cfg *config.Config, rt config.Runtime) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt.OpsReadTimeout,
		WriteTimeout:  rt.OpsWriteTimeout,
		IdleTimeout:   rt.OpsIdleTimeout,
	}
}

func catalogNames(rt config.Runtime) []string {
	out := make([]string, 0, len(rt.Catalogs))
	for _, c := range rt.Catalogs {
		out = append(out, c.Name)
	}
	return out
}

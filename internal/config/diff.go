package config

import (
	"reflect"
	"sort"
	"strings"

	logx "vaultbot/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and returns log fields
// describing the new values. Tokens are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.VaultChatID != nt.VaultChatID ||
		ot.SendRatePerSec != nt.SendRatePerSec ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Int64("telegram.vault_chat_id", nt.VaultChatID),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		nl := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ns := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rotation, newCfg.Rotation) {
		nr := newCfg.Rotation
		changed = append(changed, "rotation")
		attrs = append(attrs,
			logx.String("rotation.lease_duration", nr.LeaseDuration),
			logx.Int("rotation.max_attempts", nr.MaxAttempts),
			logx.String("rotation.cooldown", nr.Cooldown),
			logx.Int("rotation.catalogs", len(nr.Catalogs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Access, newCfg.Access) {
		na := newCfg.Access
		changed = append(changed, "access")
		attrs = append(attrs,
			logx.String("access.ban_cache_ttl", na.BanCacheTTL),
			logx.String("access.member_cache_ttl", na.MemberCacheTTL),
			logx.Int("access.force_join", len(na.ForceJoin)),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		nm := newCfg.Maintenance
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", nm.Enabled),
			logx.String("maintenance.timezone", nm.Timezone),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.pprof", no.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("ops.allow_insecure", no.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.SendRatePerSec != newCfg.Telegram.SendRatePerSec {
		out = append(out, "telegram.token/poll_timeout/send_rate_per_sec")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	return out
}

package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("30s", "5m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Rotation    RotationConfig    `json:"rotation"`
	Access      AccessConfig      `json:"access"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Ops         OpsConfig         `json:"ops"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through TELEGRAM_BOT_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the log chat id; it receives the log sink and /start lines.
	GroupLog       string `json:"group_log"`
	PollTimeout    string `json:"poll_timeout"`
	VaultChatID    int64  `json:"vault_chat_id"`
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty"`
	// Welcome replaces the default /start greeting.
	Welcome string `json:"welcome,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the store. Example:
//
//	"storage": { "driver": "sqlite", "path": "./vaultbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RotationConfig struct {
	LeaseDuration string          `json:"lease_duration,omitempty"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
	Cooldown      string          `json:"cooldown,omitempty"`
	Catalogs      []CatalogConfig `json:"catalogs,omitempty"`
}

type CatalogConfig struct {
	Name    string `json:"name"`
	Label   string `json:"label,omitempty"`
	Command string `json:"command,omitempty"`
}

type AccessConfig struct {
	BanCacheTTL    string          `json:"ban_cache_ttl,omitempty"`
	MemberCacheTTL string          `json:"member_cache_ttl,omitempty"`
	ForceJoin      []ChannelConfig `json:"force_join,omitempty"`
}

// ChannelConfig is a channel users must join: public ones by username,
// private ones by chat_id with an invite_url.
type ChannelConfig struct {
	Title     string `json:"title"`
	Username  string `json:"username,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	InviteURL string `json:"invite_url,omitempty"`
}

type MaintenanceConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	LeaseReaper string `json:"lease_reaper,omitempty"`
	RatePrune   string `json:"rate_prune,omitempty"`
	CacheSweep  string `json:"cache_sweep,omitempty"`
}

// OpsConfig controls the ops HTTP server. Binding to a non-loopback address
// needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

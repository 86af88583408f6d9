// Package vault is the bot's command layer: it resolves who is asking, runs
// the access checks and turns rotation outcomes into replies.
package vault

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"vaultbot/internal/access"
	"vaultbot/internal/rotation"
	"vaultbot/internal/storage"
	kit "vaultbot/internal/transport"
	"vaultbot/internal/transport/telegram/router"
	logx "vaultbot/pkg/logx"
	"vaultbot/pkg/tgui"
)

const callbackScope = "vault"

const (
	msgBanned       = "❌ You are banned from using this bot."
	msgMustJoin     = "🚫 You must join our channels to use this bot.\n\n✅ After joining, press 'Subscribed'"
	msgJoinedOK     = "✅ Subscribed! Now use /start again."
	msgJoinedMissed = "❌ You haven't joined all required channels."
	msgNoContent    = "📭 No more new content. Come back later!"
	msgTransient    = "⚠️ Could not send right now. Please try again."
	msgSent         = "✅ Sent!"
)

// Catalog is a content collection users can request from.
type Catalog struct {
	Name    string
	Label   string // reply keyboard label
	Command string
}

type Config struct {
	Catalogs []Catalog
	// LogChat receives one line per /start (0 disables).
	LogChat   int64
	LogThread int
	// Welcome is the greeting sent by /start.
	Welcome string
}

func (c Config) catalog(name string) (Catalog, bool) {
	for _, cat := range c.Catalogs {
		if cat.Name == name {
			return cat, true
		}
	}
	return Catalog{}, false
}

type Engine interface {
	RequestItem(ctx context.Context, catalog string, userID int64) rotation.Result
}

type Guard interface {
	IsBanned(ctx context.Context, userID int64) (bool, error)
	Ban(ctx context.Context, userID int64, reason string) error
	Unban(ctx context.Context, userID int64) error
	MissingChannels(ctx context.Context, userID int64) []access.Channel
}

type StatsSource interface {
	Stats(ctx context.Context, catalog string) (storage.CatalogStats, error)
}

type Bot struct {
	engine Engine
	guard  Guard
	stats  StatsSource
	log    logx.Logger

	cfg atomic.Pointer[Config]
}

func New(cfg Config, engine Engine, guard Guard, stats StatsSource, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{engine: engine, guard: guard, stats: stats, log: log.With(logx.String("comp", "vault"))}
	b.UpdateConfig(cfg)
	return b
}

func (b *Bot) UpdateConfig(cfg Config) {
	cp := cfg
	cp.Catalogs = append([]Catalog(nil), cfg.Catalogs...)
	b.cfg.Store(&cp)
}

func (b *Bot) config() Config { return *b.cfg.Load() }

// Commands returns the command set for the current catalogs. Call it again
// (and re-register) after the catalog list changes.
func (b *Bot) Commands() []router.Command {
	cfg := b.config()
	cmds := []router.Command{
		{
			Name:        "start",
			Description: "open the menu",
			Timeout:     15 * time.Second,
			Handle:      b.handleStart,
		},
		{
			Name:        "stats",
			Description: "catalog statistics",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      b.handleStats,
		},
		{
			Name:        "ban",
			Description: "ban a user",
			Usage:       "/ban <user_id> [reason]",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      b.handleBan,
		},
		{
			Name:        "unban",
			Description: "unban a user",
			Usage:       "/unban <user_id>",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      b.handleUnban,
		},
	}
	for _, cat := range cfg.Catalogs {
		name := cat.Name
		cmd := router.Command{
			Name:        cat.Command,
			Description: "get a random " + strings.ToLower(name),
			Timeout:     30 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				return b.handleRequest(ctx, req, name)
			},
		}
		if cmd.Name == "" {
			cmd.Name = name
		}
		if cat.Label != "" {
			cmd.Triggers = []string{cat.Label}
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{{
		Scope:   callbackScope,
		Action:  "joined",
		Access:  router.CallbackAccessEveryone,
		Timeout: 10 * time.Second,
		Handle:  b.handleJoined,
	}}
}

func (b *Bot) mainKeyboard() *kit.SendOptions {
	var labels []string
	for _, cat := range b.config().Catalogs {
		if cat.Label != "" {
			labels = append(labels, cat.Label)
		}
	}
	if len(labels) == 0 {
		return nil
	}
	return &kit.SendOptions{ReplyMarkupAdapter: tgui.Keyboard(labels)}
}

func joinKeyboard(missing []access.Channel) *kit.SendOptions {
	kb := tgui.NewInline()
	for _, ch := range missing {
		if u := ch.URL(); u != "" {
			kb.Row(tgui.URLBtn("🔗 Join "+ch.Title, u))
		}
	}
	kb.Row(tgui.Btn("✅ Subscribed", tgui.MustData(callbackScope, "joined", "")))
	return &kit.SendOptions{ReplyMarkupAdapter: kb.Markup()}
}

// admit runs the ban and channel checks and answers the user when they fail.
// A ban lookup error is reported as a transient failure.
func (b *Bot) admit(ctx context.Context, req *router.Request, bannedText string) (bool, error) {
	if req.IsOwner {
		return true, nil
	}
	banned, err := b.guard.IsBanned(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, msgTransient, nil)
		return false, fmt.Errorf("ban lookup: %w", err)
	}
	if banned {
		return false, req.Reply(ctx, bannedText, nil)
	}
	if missing := b.guard.MissingChannels(ctx, req.FromID); len(missing) > 0 {
		return false, req.Reply(ctx, msgMustJoin, joinKeyboard(missing))
	}
	return true, nil
}

func (b *Bot) handleStart(ctx context.Context, req *router.Request) error {
	ok, err := b.admit(ctx, req, msgBanned)
	if !ok {
		return err
	}
	cfg := b.config()
	welcome := cfg.Welcome
	if welcome == "" {
		welcome = "👋 Welcome!\n\n🚀 This bot gives you access to high-quality media!"
	}
	if err := req.Reply(ctx, welcome+"\n\n👇 Select an option:", b.mainKeyboard()); err != nil {
		return err
	}
	if cfg.LogChat != 0 {
		line := tgui.Lines(tgui.Raw("👤 User started: ")+tgui.Mention(req.FromName, req.FromID), tgui.Raw("ID: ")+tgui.Code(strconv.FormatInt(req.FromID, 10)))
		if _, err := req.Adapter.SendText(ctx, kit.ChatTarget{ChatID: cfg.LogChat, ThreadID: cfg.LogThread}, line.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			req.Logger.Warn("log chat send failed", logx.Err(err))
		}
	}
	return nil
}

func (b *Bot) handleJoined(ctx context.Context, req *router.Request, _ string) error {
	cb := req.Update.Callback
	if missing := b.guard.MissingChannels(ctx, req.FromID); len(missing) > 0 {
		return req.Adapter.AnswerCallback(ctx, cb.ID, msgJoinedMissed, true)
	}
	_ = req.Adapter.AnswerCallback(ctx, cb.ID, "", false)
	return req.Adapter.EditText(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}, msgJoinedOK, nil)
}

func (b *Bot) handleRequest(ctx context.Context, req *router.Request, catalog string) error {
	ok, err := b.admit(ctx, req, msgBanned)
	if !ok {
		return err
	}
	cat, _ := b.config().catalog(catalog)
	res := b.engine.RequestItem(ctx, catalog, req.FromID)
	return req.Reply(ctx, outcomeText(res, cat), nil)
}

// outcomeText is the reply for a finished request. Delivered items arrive as
// their own message; the reply only confirms.
func outcomeText(res rotation.Result, cat Catalog) string {
	label := cat.Label
	if label == "" {
		label = cat.Name
	}
	switch res.Outcome {
	case rotation.OutcomeDelivered:
		return msgSent
	case rotation.OutcomeListExhaustedRestarting:
		return fmt.Sprintf("🔁 You have seen everything in %s. Starting over!\n%s", label, msgSent)
	case rotation.OutcomeNoContentAvailable:
		return msgNoContent
	case rotation.OutcomeThrottled:
		return fmt.Sprintf("⏳ Slow down! Try again in %ds.", max(1, res.RemainingSeconds()))
	default:
		return msgTransient
	}
}

func (b *Bot) handleStats(ctx context.Context, req *router.Request) error {
	lines := []tgui.H{tgui.Raw("📊 ") + tgui.B("Catalogs"), ""}
	for _, cat := range b.config().Catalogs {
		st, err := b.stats.Stats(ctx, cat.Name)
		if err != nil {
			return fmt.Errorf("stats %s: %w", cat.Name, err)
		}
		lines = append(lines, tgui.B(cat.Name)+tgui.Esc(fmt.Sprintf(": %d active, %d reserved, %d retired (%d total)", st.Active, st.Reserved, st.Retired, st.Total())))
	}
	text := make([]string, len(lines))
	for i, l := range lines {
		text[i] = l.String()
	}
	return req.Reply(ctx, strings.Join(text, "\n"), &kit.SendOptions{ParseMode: "HTML"})
}

func parseUserID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	return id, err == nil && id > 0
}

const maxBanReason = 200

func (b *Bot) handleBan(ctx context.Context, req *router.Request) error {
	id, ok := parseUserID(req.Args)
	if !ok {
		return req.Reply(ctx, "usage: /ban <user_id> [reason]", nil)
	}
	reason := tgui.TruncRunes(strings.TrimSpace(strings.Join(req.Args[1:], " ")), maxBanReason)
	if err := b.guard.Ban(ctx, id, reason); err != nil {
		_ = req.Reply(ctx, "❌ Ban failed.", nil)
		return fmt.Errorf("ban %d: %w", id, err)
	}
	return req.Reply(ctx, fmt.Sprintf("✅ User %d banned.", id), nil)
}

func (b *Bot) handleUnban(ctx context.Context, req *router.Request) error {
	id, ok := parseUserID(req.Args)
	if !ok {
		return req.Reply(ctx, "usage: /unban <user_id>", nil)
	}
	if err := b.guard.Unban(ctx, id); err != nil {
		_ = req.Reply(ctx, "❌ Unban failed.", nil)
		return fmt.Errorf("unban %d: %w", id, err)
	}
	return req.Reply(ctx, fmt.Sprintf("✅ User %d unbanned.", id), nil)
}

package transport

import (
	"context"
	"errors"
)

// ErrContentGone marks a transport response meaning the referenced content no
// longer exists upstream (deleted vault message, invalid message id). It is the
// only error class the rotation engine treats as permanent.
var ErrContentGone = errors.New("referenced content no longer exists")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// ChannelRef identifies a channel either by numeric chat id (private
// channels) or by public @username.
type ChannelRef struct {
	ChatID   int64
	Username string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string, alert bool) error

	// CopyMessage copies message fromID of chat from into to without the
	// "forwarded from" header. A deleted source message yields ErrContentGone.
	CopyMessage(ctx context.Context, to ChatTarget, from int64, messageID int) (MessageRef, error)

	// IsMember reports whether user is a current member of channel.
	IsMember(ctx context.Context, channel ChannelRef, userID int64) (bool, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters implement to publish
// the platform command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

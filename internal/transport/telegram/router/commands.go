package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "vaultbot/internal/runtime/supervisor"
	kit "vaultbot/internal/transport"
	logx "vaultbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name    string
	Aliases []string
	// Triggers are exact message texts (reply keyboard labels) that run the
	// command without a slash.
	Triggers    []string
	Description string
	Usage       string
	Access      Access
	// Hidden commands are left out of the menu and /help.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess controls who can press an inline button. Owner-only is the
// default; public buttons opt in.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

// CallbackRoute handles callback data of the form "<scope>:<action>[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  CallbackAccess
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Command  string
	Args     []string
	Payload  string
	ReqID    string
	IsOwner  bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command
	triggers map[string]*Command
	visible  []*Command

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute

	ownersMu sync.RWMutex
	owners   []int64

	log     logx.Logger
	adapter kit.Adapter
	workers int

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

type Option func(*Router)

func WithWorkers(n int) Option { return func(r *Router) { r.workers = n } }

func WithQueue(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.jobs = make(chan func(), n)
		}
	}
}

func New(log logx.Logger, adapter kit.Adapter, owners []int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:  map[string]*Command{},
		triggers:  map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    slices.Clone(owners),
		log:       log,
		adapter:   adapter,
		jobs:      make(chan func(), 256),
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = max(2, runtime.NumCPU())
	}
	return r
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	r.ownersMu.Lock()
	r.owners = cp
	r.ownersMu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.ownersMu.RLock()
	defer r.ownersMu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue also survives the jobs channel being closed during shutdown.
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetRegistry installs commands and callback routes, adds /help and
// publishes the command menu when the adapter supports it.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Description: "list commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.IsOwner), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		},
	})

	byName := map[string]*Command{}
	byText := map[string]*Command{}
	var visible []*Command
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
		for _, t := range c.Triggers {
			if t = strings.TrimSpace(t); t != "" {
				byText[t] = c
			}
		}
		if !c.Hidden {
			visible = append(visible, c)
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		s, a := strings.TrimSpace(rt.Scope), strings.TrimSpace(rt.Action)
		if s == "" || a == "" || rt.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = rt
	}

	r.mu.Lock()
	r.commands = byName
	r.triggers = byText
	r.visible = visible
	r.mu.Unlock()

	r.cbMu.Lock()
	r.callbacks = cb
	r.cbMu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(visible)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop routes updates to a bounded worker pool until ctx is done or
// updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if !strings.HasPrefix(text, "/") {
		r.mu.RLock()
		cmd := r.triggers[text]
		r.mu.RUnlock()
		if cmd != nil {
			r.enqueueCommand(ctx, up, cmd, nil)
		}
		return
	}

	word, args := parseCommand(text)
	r.mu.RLock()
	cmd := r.commands[word]
	r.mu.RUnlock()
	if cmd == nil {
		if msg.IsPrivate {
			_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	r.enqueueCommand(ctx, up, cmd, args)
}

func (r *Router) enqueueCommand(ctx context.Context, up kit.Update, cmd *Command, args []string) {
	msg := up.Message
	owner := r.IsOwner(msg.FromID)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     chat,
		FromID:   msg.FromID,
		FromName: msg.FromName,
		Command:  cmd.Name,
		Args:     args,
		ReqID:    rid,
		IsOwner:  owner,
		Adapter:  r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := parseCallbackData(cb.Data)
	if !ok {
		return
	}
	r.cbMu.RLock()
	route, found := r.callbacks[scope][action]
	r.cbMu.RUnlock()
	if !found {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "", false)
		return
	}

	owner := r.IsOwner(cb.FromID)
	if route.Access == CallbackAccessOwnerOnly && !owner {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden", false)
		return
	}

	key := "cb:" + scope + ":" + action
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: key,
		Payload: payload,
		ReqID:   rid,
		IsOwner: owner,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", key),
		),
	}

	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(route.Timeout),
	)
	// Handlers answer the callback themselves.
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy", false)
	}
}

func newReqID() string {
	return uuid.NewString()[:8]
}

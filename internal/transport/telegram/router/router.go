// Package router dispatches chat commands to handlers with an owner
// allow-list, per-command timeouts and a bounded worker pool.
package router

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	rtsup "calibra/internal/runtime/supervisor"
	kit "calibra/internal/transport"
	logx "calibra/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

const (
	defaultTimeout = 15 * time.Second
	defaultWorkers = 2
	jobQueueSize   = 64
)

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
	sender  kit.Sender
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Router struct {
	log    logx.Logger
	sender kit.Sender

	mu       sync.RWMutex
	owners   []int64
	commands map[string]Command
}

func New(sender kit.Sender, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{log: log, sender: sender, commands: map[string]Command{}}
	r.SetOwners(owners)
	return r
}

// SetOwners replaces the allow-list used by AccessOwnerOnly commands.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		r.commands[c.Name] = c
	}
}

// Commands lists the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Menu is the command list in the adapter's menu format.
func (r *Router) Menu() []kit.BotCommand {
	cmds := r.Commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Dispatch handles one message synchronously. Non-command text is
// ignored. Unknown commands and denied access get a short reply.
func (r *Router) Dispatch(ctx context.Context, msg kit.Message) error {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, found := r.commands[name]
	r.mu.RUnlock()
	if !found {
		_, err := r.sender.SendText(ctx, to, "unknown command, try /help", nil)
		return err
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.log.Debug("command denied", logx.String("cmd", name), logx.Int64("from_id", msg.FromID))
		_, err := r.sender.SendText(ctx, to, "unauthorized", nil)
		return err
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    to,
		Command: name,
		Args:    args,
		ReqID:   rid,
		sender:  r.sender,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(cmd.Handle, MWRequestLog(), MWPanicRecover(), MWTimeout(timeout))
	if err := h(ctx, req); err != nil {
		msgText := "failed: " + err.Error()
		var ue *UsageError
		if errors.As(err, &ue) {
			msgText = ue.Error()
		}
		_ = req.Reply(ctx, msgText)
		return err
	}
	return nil
}

// Run consumes messages until ctx is done or in is closed, handling them
// on a fixed pool of workers. A full queue drops the message.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message, workers int) error {
	if workers <= 0 {
		workers = defaultWorkers
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	jobs := make(chan kit.Message, jobQueueSize)
	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case m, ok := <-jobs:
					if !ok {
						return nil
					}
					_ = r.Dispatch(c, m)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("command dispatcher stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case jobs <- m:
			default:
				r.log.Warn("command queue full; message dropped", logx.Int64("chat_id", m.ChatID))
			}
		}
	}
}

// UsageError is replied verbatim instead of as a failure.
type UsageError struct{ Usage string }

func (e *UsageError) Error() string { return "usage: " + e.Usage }

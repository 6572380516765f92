package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/realtime"
	"github.com/zhouzirui/codechat/backend/internal/service/response"
	"github.com/zhouzirui/codechat/backend/internal/service/timeline"
)

var (
	// ErrTurnInProgress is returned when a turn is started while another one
	// is still running.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("session controller closed")
)

// Gateway produces the raw reply for a user turn.
type Gateway interface {
	Complete(ctx context.Context, message string, history []chat.ContextMessage, image *chat.ImageRef) (string, error)
}

// Bus hands out filtered real-time subscriptions.
type Bus interface {
	Subscribe(filter realtime.Filter) *realtime.Subscription
}

// Deps are the collaborators of a Controller. Repo, Gateway and Bus are
// required.
type Deps struct {
	Repo      chat.Repository
	Gateway   Gateway
	Bus       Bus
	Processor *response.Processor
	Logger    *zap.Logger
}

// Hooks let a transport observe the controller. They run synchronously; a
// hook must not call Send, PersistFailed, Reload or Close.
type Hooks struct {
	OnState   func(State)
	OnChange  func([]chat.Message)
	OnDeleted func()
}

// Options tune a Controller.
type Options struct {
	// ContextLimit caps the prior turns sent to the model. 0 sends all.
	ContextLimit int
	Hooks        Hooks
	StoreOptions []timeline.Option
}

// Input is one user turn.
type Input struct {
	Text  string         `json:"text"`
	Image *chat.ImageRef `json:"image,omitempty"`
}

// Turn is what a Send produced. Assistant is nil when the model failed.
type Turn struct {
	User      chat.Message  `json:"user"`
	Assistant *chat.Message `json:"assistant,omitempty"`
	Persisted bool          `json:"persisted"`
}

// Controller drives one open view of a session: optimistic turns, model
// calls, persistence and reconciliation of real-time pushes.
//
// Every store-mutating sequence runs under mu, so a push for a row this
// controller just wrote is applied only after the row is reconciled and is
// then recognised by id.
type Controller struct {
	sessionID string
	repo      chat.Repository
	gateway   Gateway
	processor *response.Processor
	logger    *zap.Logger
	opts      Options

	store   *timeline.Store
	sub     *realtime.Subscription
	session atomic.Pointer[chat.Session]

	mu       sync.Mutex
	busy     atomic.Bool
	state    atomic.Int32
	closed   atomic.Bool
	terminal atomic.Bool

	loopCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open subscribes to the session's changes, loads the session and its history
// and starts applying pushes. ErrSessionNotFound is returned for an unknown
// session.
func Open(ctx context.Context, sessionID string, deps Deps, opts Options) (*Controller, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, chat.ErrSessionNotFound
	}
	if deps.Repo == nil || deps.Gateway == nil || deps.Bus == nil {
		return nil, errors.New("session: repo, gateway and bus are required")
	}
	if deps.Processor == nil {
		deps.Processor = response.NewProcessor()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	c := &Controller{
		sessionID: sessionID,
		repo:      deps.Repo,
		gateway:   deps.Gateway,
		processor: deps.Processor,
		logger:    deps.Logger.Named("session").With(zap.String("session", sessionID)),
		opts:      opts,
		store:     timeline.New(sessionID, opts.StoreOptions...),
	}

	// 先订阅再加载，加载期间的推送不会丢
	c.sub = deps.Bus.Subscribe(realtime.Filter{SessionID: sessionID})

	session, history, err := c.load(ctx)
	if err != nil {
		c.sub.Close()
		return nil, err
	}
	c.session.Store(&session)
	c.store.MergeRemote(history)

	c.loopCtx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.loop()

	c.logger.Debug("session opened", zap.Int("messages", len(history)))
	return c, nil
}

func (c *Controller) load(ctx context.Context) (chat.Session, []chat.Message, error) {
	var (
		session chat.Session
		rows    []chat.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		session, err = c.repo.GetSession(gctx, c.sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = c.repo.ListMessages(gctx, c.sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			return chat.Session{}, nil, err
		}
		return chat.Session{}, nil, fmt.Errorf("%w: load session: %w", chat.ErrPersistenceFailed, err)
	}
	return session, c.hydrate(rows), nil
}

// SessionID returns the id of the session this controller drives.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Session returns the latest known session row.
func (c *Controller) Session() chat.Session {
	if s := c.session.Load(); s != nil {
		return *s
	}
	return chat.Session{ID: c.sessionID}
}

// State returns the current turn state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Snapshot returns the ordered messages of the view.
func (c *Controller) Snapshot() []chat.Message {
	return c.store.Snapshot()
}

// Deleted reports whether the session was deleted while open.
func (c *Controller) Deleted() bool {
	return c.terminal.Load()
}

// Send runs one turn: optimistic user message, durable write, model call,
// response processing and the assistant write. Empty input is a no-op.
//
// Any failing step ends the turn in Idle with the error. A failed user write
// stops before the model call. A model failure or an empty reply leaves only
// the user message and wraps chat.ErrModelCallFailed. A failed write leaves
// the message visible with delivery "failed" and wraps
// chat.ErrPersistenceFailed. Nothing optimistic is rolled back.
func (c *Controller) Send(ctx context.Context, in Input) (Turn, error) {
	if err := c.usable(); err != nil {
		return Turn{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == nil {
		return Turn{}, nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return Turn{}, ErrTurnInProgress
	}
	defer c.busy.Store(false)
	defer c.setState(StateIdle)

	c.setState(StateSending)
	history := c.contextWindow()

	user, userErr := c.write(ctx, chat.Message{
		Role:     chat.RoleUser,
		Content:  text,
		ImageRef: in.Image,
	})
	turn := Turn{User: user}
	if userErr != nil {
		// 用户消息未保存：停在此处，失败的消息留给 PersistFailed 重试
		return turn, userErr
	}

	c.setState(StateAwaitingModel)
	reply, err := c.gateway.Complete(ctx, text, history, in.Image)
	if err != nil {
		if !errors.Is(err, chat.ErrModelCallFailed) {
			err = fmt.Errorf("%w: %w", chat.ErrModelCallFailed, err)
		}
		c.logger.Warn("model call failed", zap.Error(err))
		return turn, err
	}
	if strings.TrimSpace(reply) == "" {
		c.logger.Warn("model returned empty reply")
		return turn, fmt.Errorf("%w: empty reply", chat.ErrModelCallFailed)
	}

	c.setState(StateProcessing)
	processed := c.processor.Process(reply)

	c.setState(StatePersisting)
	assistant, assistantErr := c.write(ctx, chat.Message{
		Role:        chat.RoleAssistant,
		Content:     processed.Message,
		CodeBlocks:  processed.CodeBlocks,
		Explanation: processed.Explanation,
	})
	turn.Assistant = &assistant
	turn.Persisted = assistantErr == nil
	return turn, assistantErr
}

// write appends msg optimistically and persists it while holding mu.
func (c *Controller) write(ctx context.Context, msg chat.Message) (chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tempID := c.store.AppendLocal(msg)
	c.notifyLocked()
	local, _ := c.store.Get(tempID)

	return c.persistLocked(ctx, tempID, local)
}

func (c *Controller) persistLocked(ctx context.Context, tempID string, local chat.Message) (chat.Message, error) {
	stored, err := c.repo.InsertMessage(ctx, chat.Message{
		SessionID: c.sessionID,
		Role:      local.Role,
		Content:   local.Content,
		ImageRef:  local.ImageRef,
		CreatedAt: local.CreatedAt,
	})
	if err != nil {
		c.store.MarkFailed(tempID)
		c.notifyLocked()
		failed, _ := c.store.Get(tempID)
		if errors.Is(err, chat.ErrSessionNotFound) {
			c.markDeleted()
		}
		c.logger.Warn("message not saved",
			zap.String("role", string(local.Role)),
			zap.String("temp_id", tempID),
			zap.Error(err))
		return failed, fmt.Errorf("%w: %w", chat.ErrPersistenceFailed, err)
	}

	stored = c.processor.Hydrate(stored)
	c.store.ReconcileConfirmed(tempID, stored)
	c.notifyLocked()
	return stored, nil
}

// PersistFailed retries the durable write of every failed message, oldest
// first. It returns how many were saved.
func (c *Controller) PersistFailed(ctx context.Context) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if !c.busy.CompareAndSwap(false, true) {
		return 0, ErrTurnInProgress
	}
	defer c.busy.Store(false)

	var (
		saved int
		errs  []error
	)
	for _, msg := range c.store.Failed() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		c.mu.Lock()
		if !c.store.MarkPending(msg.ID) {
			c.mu.Unlock()
			continue
		}
		c.notifyLocked()
		_, err := c.persistLocked(ctx, msg.ID, msg)
		c.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// Reload re-fetches the history and merges it into the view.
func (c *Controller) Reload(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.reload(ctx)
}

func (c *Controller) reload(ctx context.Context) error {
	rows, err := c.repo.ListMessages(ctx, c.sessionID)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			c.markDeleted()
			return err
		}
		return fmt.Errorf("%w: reload: %w", chat.ErrPersistenceFailed, err)
	}
	rows = c.hydrate(rows)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.MergeRemote(rows)
	c.notifyLocked()
	return nil
}

// Close stops the controller. It is safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.sub.Close()
		c.wg.Wait()
		c.logger.Debug("session closed")
	})
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case evt, ok := <-c.sub.Events():
			if !ok {
				return
			}
			c.apply(evt)
			if dropped := c.sub.TakeDropped(); dropped > 0 && !c.closed.Load() && !c.terminal.Load() {
				c.logger.Warn("realtime events dropped, reloading", zap.Uint64("dropped", dropped))
				if err := c.reload(c.loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Warn("reload after drop failed", zap.Error(err))
				}
			}
		}
	}
}

func (c *Controller) apply(evt realtime.Event) {
	if c.closed.Load() {
		return
	}

	switch evt.Table {
	case realtime.TableSessions:
		if evt.Session == nil || evt.Session.ID != c.sessionID {
			return
		}
		switch evt.Type {
		case realtime.EventDelete:
			c.markDeleted()
		default:
			session := *evt.Session
			c.session.Store(&session)
		}
	case realtime.TableMessages:
		if evt.Message == nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		var changed bool
		switch evt.Type {
		case realtime.EventInsert:
			changed = c.store.ApplyRealtimeInsert(c.processor.Hydrate(*evt.Message))
		case realtime.EventUpdate:
			msg := *evt.Message
			msg.CodeBlocks = nil
			changed = c.store.ApplyRealtimeUpdate(c.processor.Hydrate(msg))
		case realtime.EventDelete:
			changed = c.store.ApplyRealtimeDelete(evt.Message.ID)
		}
		if changed {
			c.notifyLocked()
		}
	}
}

func (c *Controller) markDeleted() {
	if !c.terminal.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("session deleted while open")
	if hook := c.opts.Hooks.OnDeleted; hook != nil && !c.closed.Load() {
		hook()
	}
}

func (c *Controller) usable() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.terminal.Load() {
		return chat.ErrSessionNotFound
	}
	return nil
}

func (c *Controller) setState(state State) {
	if State(c.state.Swap(int32(state))) == state {
		return
	}
	if hook := c.opts.Hooks.OnState; hook != nil && !c.closed.Load() {
		hook(state)
	}
}

// notifyLocked must be called with mu held so snapshots reach the hook in
// mutation order.
func (c *Controller) notifyLocked() {
	if hook := c.opts.Hooks.OnChange; hook != nil && !c.closed.Load() {
		hook(c.store.Snapshot())
	}
}

// contextWindow returns the prior turns forwarded to the model.
func (c *Controller) contextWindow() []chat.ContextMessage {
	snapshot := c.store.Snapshot()
	out := make([]chat.ContextMessage, 0, len(snapshot))
	for _, m := range snapshot {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, chat.ContextMessage{Role: m.Role, Content: m.Content})
	}
	if limit := c.opts.ContextLimit; limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (c *Controller) hydrate(rows []chat.Message) []chat.Message {
	for i := range rows {
		rows[i] = c.processor.Hydrate(rows[i])
	}
	return rows
}

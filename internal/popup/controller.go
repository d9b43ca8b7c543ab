// Package popup управляет попапом ассистента: берёт выделение со страницы,
// выполняет операции над ним через модель и синхронизирует активный контекст.
package popup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"textpilot/internal/clipboard"
	"textpilot/internal/clock"
	"textpilot/internal/contexts"
	"textpilot/internal/llm"
	"textpilot/internal/prompts"
	"textpilot/internal/request"
	"textpilot/internal/selection"
)

const DefaultCopyAckDelay = time.Second

var (
	ErrBusy              = errors.New("another operation is in progress")
	ErrInvalidTransition = errors.New("action not allowed in current state")
	ErrNoResult          = errors.New("no result to copy")
	// ErrDiscarded: контексты очистили, пока обмен был в полёте. Ответ
	// отбрасывается, ничего не коммитится.
	ErrDiscarded = errors.New("operation discarded after contexts were cleared")
)

type State string

const (
	StateIdle            State = "idle"
	StateLoading         State = "loading"
	StateContextCreation State = "context_creation"
	StateResultReady     State = "result_ready"
)

// Snapshot то, что рисует UI.
type Snapshot struct {
	State   State             `json:"state"`
	Loading bool              `json:"loading"`
	Result  string            `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
	Copied  bool              `json:"copied"`
	Active  *contexts.Context `json:"active,omitempty"`
	// Scratch число сообщений, добавленных без активного контекста.
	Scratch int `json:"scratch"`
	// Extension показывает, подключено ли расширение браузера.
	Extension bool `json:"extension_connected"`
}

// Presence сообщает, есть ли живое подключение к источнику выделения.
type Presence interface {
	Connected() bool
}

// Controller безопасен для конкурентного использования. Одновременно идёт
// только одно действие, читающее выделение (Run или AddToContext), остальные
// получают ErrBusy.
type Controller struct {
	store     *contexts.Store
	source    selection.Source
	presence  Presence
	completer llm.Completer
	clipboard clipboard.Writer
	clock     clock.Clock
	ackDelay  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	inflight *semaphore.Weighted

	mu        sync.Mutex
	state     State
	loading   bool
	result    string
	errMsg    string
	copied    bool
	copyTimer clock.Timer
	copyGen   uint64
	active    *contexts.Context
	scratch   []llm.Message
	// epoch увеличивается при ClearContext; обмен, начатый в старой эпохе, не коммитится.
	epoch uint64
}

// ControllerConfig описывает зависимости контроллера.
type ControllerConfig struct {
	Store     *contexts.Store
	Source    selection.Source
	Completer llm.Completer
	Clipboard clipboard.Writer
	Clock     clock.Clock
	// Presence необязателен; без него Snapshot.Extension всегда false.
	Presence Presence
	// CopyAckDelay сколько держится Copied. Ноль означает DefaultCopyAckDelay.
	CopyAckDelay time.Duration
	// OperationTimeout ограничивает Run и AddToContext целиком. Ноль снимает ограничение.
	OperationTimeout time.Duration
	Logger           *slog.Logger
}

func New(cfg ControllerConfig) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	delay := cfg.CopyAckDelay
	if delay <= 0 {
		delay = DefaultCopyAckDelay
	}
	cb := cfg.Clipboard
	if cb == nil {
		cb = &clipboard.Memory{}
	}
	return &Controller{
		store:     cfg.Store,
		source:    cfg.Source,
		presence:  cfg.Presence,
		completer: cfg.Completer,
		clipboard: cb,
		clock:     clk,
		ackDelay:  delay,
		timeout:   cfg.OperationTimeout,
		logger:    cfg.Logger,
		inflight:  semaphore.NewWeighted(1),
		state:     StateIdle,
	}
}

// Run берёт выделение, отправляет op модели и показывает ответ.
// При успехе обмен заменяет историю активного контекста.
func (c *Controller) Run(ctx context.Context, op prompts.Operation) (string, error) {
	if !c.inflight.TryAcquire(1) {
		return "", ErrBusy
	}
	defer c.inflight.Release(1)
	ctx, cancel := c.bound(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateResultReady {
		state := c.state
		c.mu.Unlock()
		return "", fmt.Errorf("%w: run from %s", ErrInvalidTransition, state)
	}
	if !prompts.Has(op) {
		err := fmt.Errorf("%w: %q", prompts.ErrUnknownOperation, op)
		c.state = StateIdle
		c.result = ""
		c.errMsg = UserMessage(err)
		c.mu.Unlock()
		return "", err
	}
	c.state = StateLoading
	c.loading = true
	c.result = ""
	c.errMsg = ""
	epoch := c.epoch
	activeID := ""
	if c.active != nil {
		activeID = c.active.ID
	}
	scratch := llm.CloneMessages(c.scratch)
	c.mu.Unlock()

	reply, err := c.exchange(ctx, op, epoch, activeID, scratch)
	if err != nil {
		c.mu.Lock()
		c.loading = false
		c.state = StateIdle
		if !errors.Is(err, ErrDiscarded) {
			c.errMsg = UserMessage(err)
		}
		c.mu.Unlock()
		c.log().Warn("operation failed", "operation", string(op), "error", err)
		return "", err
	}
	return reply, nil
}

func (c *Controller) exchange(ctx context.Context, op prompts.Operation, epoch uint64, activeID string, scratch []llm.Message) (string, error) {
	var active *contexts.Context
	if activeID != "" {
		found, ok, err := c.store.Get(ctx, activeID)
		if err != nil {
			return "", err
		}
		if !ok {
			// Контекст удалили в обход контроллера (например, CLI на общем хранилище).
			c.forgetActive(activeID)
			return "", fmt.Errorf("%w: %s", contexts.ErrNotFound, activeID)
		}
		active = &found
	}

	sel, err := c.source.Selected(ctx)
	if err != nil {
		return "", err
	}

	prefix := active
	if prefix == nil && len(scratch) > 0 {
		prefix = &contexts.Context{Messages: scratch}
	}
	messages, err := request.Build(op, request.UserText(op, sel), prefix)
	if err != nil {
		return "", err
	}

	reply, err := c.completer.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	transcript := request.Transcript(messages, reply)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return "", ErrDiscarded
	}

	if active != nil {
		updated := contexts.ReplaceMessages(*active, transcript)
		if err := c.store.Commit(ctx, updated); err != nil {
			// Ответ всё равно показываем, ошибку выводим рядом.
			c.errMsg = UserMessage(err)
			c.log().Warn("commit context failed", "context_id", updated.ID, "error", err)
		} else if c.active != nil && c.active.ID == updated.ID {
			c.active = &updated
		}
	} else {
		c.scratch = nil
	}

	c.loading = false
	c.state = StateResultReady
	c.result = reply
	return reply, nil
}

// BeginContextCreation открывает ввод имени контекста.
func (c *Controller) BeginContextCreation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle && c.state != StateResultReady {
		return fmt.Errorf("%w: begin context creation from %s", ErrInvalidTransition, c.state)
	}
	c.state = StateContextCreation
	c.result = ""
	c.errMsg = ""
	return nil
}

// SubmitContext создаёт контекст с именем name и делает его активным.
func (c *Controller) SubmitContext(ctx context.Context, name string) (contexts.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateContextCreation {
		return contexts.Context{}, fmt.Errorf("%w: submit context from %s", ErrInvalidTransition, c.state)
	}

	created, err := c.store.Create(ctx, name)
	if err != nil {
		c.errMsg = UserMessage(err)
		return contexts.Context{}, err
	}
	c.active = &created
	c.scratch = nil
	c.state = StateIdle
	c.errMsg = ""
	c.result = ""
	return created, nil
}

func (c *Controller) CancelContextCreation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateContextCreation {
		return fmt.Errorf("%w: cancel context creation from %s", ErrInvalidTransition, c.state)
	}
	c.state = StateIdle
	c.errMsg = ""
	return nil
}

// SelectContext делает активным контекст с идентификатором id.
func (c *Controller) SelectContext(ctx context.Context, id string) (contexts.Context, error) {
	found, ok, err := c.store.Get(ctx, id)
	if err != nil {
		return contexts.Context{}, err
	}
	if !ok {
		return contexts.Context{}, fmt.Errorf("%w: %s", contexts.ErrNotFound, id)
	}
	c.setActive(&found)
	return found, nil
}

// SelectContextByName активирует первый контекст с именем name.
func (c *Controller) SelectContextByName(ctx context.Context, name string) (contexts.Context, error) {
	found, ok, err := c.store.Select(ctx, name)
	if err != nil {
		return contexts.Context{}, err
	}
	if !ok {
		return contexts.Context{}, fmt.Errorf("%w: %q", contexts.ErrNotFound, name)
	}
	c.setActive(&found)
	return found, nil
}

func (c *Controller) DeselectContext() {
	c.setActive(nil)
}

func (c *Controller) setActive(active *contexts.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = active
	c.scratch = nil
	c.errMsg = ""
}

// forgetActive снимает активный контекст, если это всё ещё id.
func (c *Controller) forgetActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.ID == id {
		c.active = nil
	}
}

// AddToContext добавляет текущее выделение пользовательским сообщением. Без
// активного контекста сообщение уходит в несохраняемый черновик, который
// станет префиксом следующего обмена.
func (c *Controller) AddToContext(ctx context.Context) error {
	if !c.inflight.TryAcquire(1) {
		return ErrBusy
	}
	defer c.inflight.Release(1)
	ctx, cancel := c.bound(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateResultReady {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: add to context from %s", ErrInvalidTransition, state)
	}
	prev := c.state
	c.state = StateLoading
	c.loading = true
	c.errMsg = ""
	epoch := c.epoch
	activeID := ""
	if c.active != nil {
		activeID = c.active.ID
	}
	c.mu.Unlock()

	err := c.addSelection(ctx, epoch, activeID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	switch {
	case errors.Is(err, ErrDiscarded):
		c.state = StateIdle
	case err != nil:
		c.state = prev
		c.errMsg = UserMessage(err)
		c.log().Warn("add to context failed", "error", err)
	default:
		c.state = prev
	}
	return err
}

func (c *Controller) addSelection(ctx context.Context, epoch uint64, activeID string) error {
	sel, err := c.source.Selected(ctx)
	if err != nil {
		return err
	}
	msg := llm.UserMessage(sel.Text)

	if activeID == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			return ErrDiscarded
		}
		if len(c.scratch) == 0 {
			c.scratch = []llm.Message{llm.SystemMessage(prompts.Preamble())}
		}
		c.scratch = append(c.scratch, msg)
		return nil
	}

	active, ok, err := c.store.Get(ctx, activeID)
	if err != nil {
		return err
	}
	if !ok {
		c.forgetActive(activeID)
		return fmt.Errorf("%w: %s", contexts.ErrNotFound, activeID)
	}
	if len(active.Messages) == 0 {
		active = contexts.Append(active, llm.SystemMessage(prompts.Preamble()))
	}
	active = contexts.Append(active, msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return ErrDiscarded
	}
	if err := c.store.Commit(ctx, active); err != nil {
		return err
	}
	if c.active != nil && c.active.ID == active.ID {
		c.active = &active
	}
	return nil
}

// Copy кладёт результат в буфер обмена и поднимает Copied на время подтверждения.
func (c *Controller) Copy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateResultReady {
		return ErrNoResult
	}
	if err := c.clipboard.WriteText(c.result); err != nil {
		c.errMsg = UserMessage(err)
		return err
	}

	c.copied = true
	c.copyGen++
	gen := c.copyGen
	if c.copyTimer != nil {
		c.copyTimer.Stop()
	}
	c.copyTimer = c.clock.AfterFunc(c.ackDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.copyGen == gen {
			c.copied = false
			c.copyTimer = nil
		}
	})
	return nil
}

// ClearContext стирает все сохранённые контексты. Обмен в полёте остаётся в
// Loading до возврата и потом ничего не коммитит.
func (c *Controller) ClearContext(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.active = nil
	c.scratch = nil
	if !c.loading {
		c.state = StateIdle
		c.result = ""
	}

	if err := c.store.ClearAll(ctx); err != nil {
		c.errMsg = UserMessage(err)
		return err
	}
	c.errMsg = ""
	return nil
}

func (c *Controller) Snapshot() Snapshot {
	connected := c.presence != nil && c.presence.Connected()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:     c.state,
		Loading:   c.loading,
		Result:    c.result,
		Error:     c.errMsg,
		Copied:    c.copied,
		Scratch:   len(c.scratch),
		Extension: connected,
	}
	if c.active != nil {
		active := contexts.ReplaceMessages(*c.active, c.active.Messages)
		snap.Active = &active
	}
	return snap
}

func (c *Controller) Contexts(ctx context.Context) ([]contexts.Context, error) {
	return c.store.List(ctx)
}

func (c *Controller) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Controller) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

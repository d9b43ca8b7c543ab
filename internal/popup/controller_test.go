package popup

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"textpilot/internal/clipboard"
	"textpilot/internal/clock"
	"textpilot/internal/contexts"
	"textpilot/internal/kv"
	"textpilot/internal/llm"
	"textpilot/internal/prompts"
	"textpilot/internal/selection"
)

type stubCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   [][]llm.Message
	block   chan struct{}
	started chan struct{}
}

func (s *stubCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, llm.CloneMessages(messages))
	block, started := s.block, s.started
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func (s *stubCompleter) Calls() [][]llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// flakyKV отказывает в Set, пока failSet выставлен.
type flakyKV struct {
	*kv.MemoryStore
	mu      sync.Mutex
	failSet bool
}

func (f *flakyKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

type fixture struct {
	ctrl      *Controller
	store     *contexts.Store
	completer *stubCompleter
	clipboard *clipboard.Memory
	clock     *clock.Fake
}

func newFixture(t *testing.T, source selection.Source, completer *stubCompleter) fixture {
	t.Helper()
	return newFixtureWithKV(t, kv.NewMemoryStore(), source, completer)
}

func newFixtureWithKV(t *testing.T, backend kv.Store, source selection.Source, completer *stubCompleter) fixture {
	t.Helper()
	store := contexts.NewStore(backend, "", nil)
	cb := &clipboard.Memory{}
	clk := clock.NewFake(time.Unix(0, 0))
	ctrl := New(ControllerConfig{
		Store:     store,
		Source:    source,
		Completer: completer,
		Clipboard: cb,
		Clock:     clk,
	})
	return fixture{ctrl: ctrl, store: store, completer: completer, clipboard: cb, clock: clk}
}

func instruction(t *testing.T, op prompts.Operation) llm.Message {
	t.Helper()
	text, err := prompts.Instruction(op)
	if err != nil {
		t.Fatalf("Instruction(%q): %v", op, err)
	}
	return llm.SystemMessage(text)
}

func createActive(t *testing.T, ctrl *Controller, name string) contexts.Context {
	t.Helper()
	if err := ctrl.BeginContextCreation(); err != nil {
		t.Fatalf("BeginContextCreation: %v", err)
	}
	created, err := ctrl.SubmitContext(context.Background(), name)
	if err != nil {
		t.Fatalf("SubmitContext: %v", err)
	}
	return created
}

func TestController_Run_CommentWithoutContext(t *testing.T) {
	completer := &stubCompleter{reply: "Interesting take!"}
	f := newFixture(t, selection.Static{Text: "Great post", Title: "Example"}, completer)

	reply, err := f.ctrl.Run(context.Background(), prompts.OperationComment)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reply != "Interesting take!" {
		t.Fatalf("unexpected reply: %q", reply)
	}

	want := []llm.Message{
		llm.SystemMessage(prompts.Preamble()),
		instruction(t, prompts.OperationComment),
		llm.UserMessage("Website: Example\nContent: Great post"),
	}
	calls := completer.Calls()
	if len(calls) != 1 || !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("unexpected request: %+v", calls)
	}

	snap := f.ctrl.Snapshot()
	if snap.State != StateResultReady || snap.Loading || snap.Result != "Interesting take!" || snap.Error != "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestController_Run_RephraseCommitsToActiveContext(t *testing.T) {
	completer := &stubCompleter{reply: "I completed the task."}
	f := newFixture(t, selection.Static{Text: "i did the thing"}, completer)
	ctx := context.Background()

	work := createActive(t, f.ctrl, "work")
	if _, err := f.ctrl.Run(ctx, prompts.OperationRephrase); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	request := []llm.Message{
		llm.SystemMessage(prompts.Preamble()),
		instruction(t, prompts.OperationRephrase),
		llm.UserMessage("i did the thing"),
	}
	if calls := completer.Calls(); !reflect.DeepEqual(calls[0], request) {
		t.Fatalf("unexpected request: %+v", calls[0])
	}

	stored, ok, err := f.store.Select(ctx, "work")
	if err != nil || !ok {
		t.Fatalf("Select work: ok=%v err=%v", ok, err)
	}
	want := append(llm.CloneMessages(request), llm.AssistantMessage("I completed the task."))
	if !reflect.DeepEqual(stored.Messages, want) {
		t.Fatalf("unexpected stored messages: %+v", stored.Messages)
	}

	snap := f.ctrl.Snapshot()
	if snap.Active == nil || snap.Active.ID != work.ID || len(snap.Active.Messages) != len(want) {
		t.Fatalf("snapshot active not refreshed: %+v", snap.Active)
	}
}

func TestController_Run_UsesActiveHistoryAsPrefix(t *testing.T) {
	completer := &stubCompleter{reply: "second"}
	f := newFixture(t, selection.Static{Text: "again"}, completer)
	ctx := context.Background()

	createActive(t, f.ctrl, "work")
	completer.reply = "first"
	if _, err := f.ctrl.Run(ctx, prompts.OperationRephrase); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	completer.reply = "second"
	if _, err := f.ctrl.Run(ctx, prompts.OperationRephrase); err != nil {
		t.Fatalf("second Run from ResultReady: %v", err)
	}

	calls := completer.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(calls))
	}
	prefix := calls[1][:len(calls[0])+1]
	wantPrefix := append(llm.CloneMessages(calls[0]), llm.AssistantMessage("first"))
	if !reflect.DeepEqual(prefix, wantPrefix) {
		t.Fatalf("second request does not start with first transcript: %+v", calls[1])
	}
}

func TestController_Run_SelectionUnavailable(t *testing.T) {
	completer := &stubCompleter{reply: "unused"}
	source := selection.Func(func(ctx context.Context) (selection.Selection, error) {
		return selection.Selection{}, selection.ErrUnavailable
	})
	f := newFixture(t, source, completer)
	ctx := context.Background()
	work := createActive(t, f.ctrl, "work")

	_, err := f.ctrl.Run(ctx, prompts.OperationComment)
	if !errors.Is(err, selection.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	snap := f.ctrl.Snapshot()
	if snap.State != StateIdle || snap.Loading || snap.Error == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(completer.Calls()) != 0 {
		t.Fatalf("completer must not be called")
	}
	stored, _, _ := f.store.Get(ctx, work.ID)
	if len(stored.Messages) != 0 {
		t.Fatalf("context mutated on failure: %+v", stored.Messages)
	}
}

func TestController_Run_ActiveContextRemovedOutside(t *testing.T) {
	completer := &stubCompleter{reply: "r"}
	f := newFixture(t, selection.Static{Text: "x"}, completer)
	ctx := context.Background()

	createActive(t, f.ctrl, "work")
	// Другой процесс (например, CLI) очистил общее хранилище.
	if err := f.store.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	_, err := f.ctrl.Run(ctx, prompts.OperationRephrase)
	if !errors.Is(err, contexts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(completer.Calls()) != 0 {
		t.Fatalf("completer must not be called without the active context")
	}

	snap := f.ctrl.Snapshot()
	if snap.State != StateIdle || snap.Loading || snap.Error == "" || snap.Active != nil {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if list, _ := f.store.List(ctx); len(list) != 0 {
		t.Fatalf("nothing should be stored, got %+v", list)
	}
}

func TestController_AddToContext_ActiveContextRemovedOutside(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{})
	ctx := context.Background()

	createActive(t, f.ctrl, "work")
	if err := f.store.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	if err := f.ctrl.AddToContext(ctx); !errors.Is(err, contexts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.Active != nil || snap.Error == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestController_Run_CompletionFailureRecovers(t *testing.T) {
	completer := &stubCompleter{err: &llm.CompletionError{Status: 500, Err: errors.New("boom")}}
	f := newFixture(t, selection.Static{Text: "x"}, completer)

	_, err := f.ctrl.Run(context.Background(), prompts.OperationRephrase)
	var completionErr *llm.CompletionError
	if !errors.As(err, &completionErr) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
	snap := f.ctrl.Snapshot()
	if snap.State != StateIdle || snap.Loading || snap.Error == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	completer.err = nil
	completer.reply = "ok"
	if _, err := f.ctrl.Run(context.Background(), prompts.OperationRephrase); err != nil {
		t.Fatalf("controller not usable after failure: %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.Error != "" {
		t.Fatalf("error not cleared on next run: %q", snap.Error)
	}
}

func TestController_Run_UnknownOperation(t *testing.T) {
	completer := &stubCompleter{reply: "unused"}
	f := newFixture(t, selection.Static{Text: "x"}, completer)

	_, err := f.ctrl.Run(context.Background(), prompts.Operation("translate"))
	if !errors.Is(err, prompts.ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
	if len(completer.Calls()) != 0 {
		t.Fatalf("completer must not be called")
	}
	if snap := f.ctrl.Snapshot(); snap.State != StateIdle || snap.Error == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestController_Run_RejectedWhileBusy(t *testing.T) {
	completer := &stubCompleter{reply: "done", block: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, selection.Static{Text: "x"}, completer)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Run(ctx, prompts.OperationRephrase)
		done <- err
	}()
	<-completer.started

	if _, err := f.ctrl.Run(ctx, prompts.OperationComment); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := f.ctrl.AddToContext(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from AddToContext, got %v", err)
	}
	if err := f.ctrl.BeginContextCreation(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	close(completer.block)
	if err := <-done; err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if len(completer.Calls()) != 1 {
		t.Fatalf("expected exactly one completion call, got %d", len(completer.Calls()))
	}
}

func TestController_Run_HungCompletionStaysLoading(t *testing.T) {
	completer := &stubCompleter{block: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, selection.Static{Text: "x"}, completer)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Run(ctx, prompts.OperationRephrase)
		done <- err
	}()
	<-completer.started

	f.clock.Advance(time.Hour)
	snap := f.ctrl.Snapshot()
	if snap.State != StateLoading || !snap.Loading {
		t.Fatalf("expected Loading while completion hangs, got %+v", snap)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.State != StateIdle || snap.Loading {
		t.Fatalf("loading flag not cleared: %+v", snap)
	}
}

func TestController_Run_OperationTimeoutBoundsExchange(t *testing.T) {
	completer := &stubCompleter{reply: "late", block: make(chan struct{})}
	f := newFixture(t, selection.Static{Text: "x"}, completer)
	ctrl := New(ControllerConfig{
		Store:            f.store,
		Source:           selection.Static{Text: "x"},
		Completer:        completer,
		OperationTimeout: 20 * time.Millisecond,
	})
	ctx := context.Background()
	work := createActive(t, ctrl, "work")

	_, err := ctrl.Run(ctx, prompts.OperationRephrase)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if snap := ctrl.Snapshot(); snap.State != StateIdle || snap.Loading || snap.Error == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	stored, _, _ := f.store.Get(ctx, work.ID)
	if len(stored.Messages) != 0 {
		t.Fatalf("timed out exchange must not commit: %+v", stored.Messages)
	}
}

func TestController_Run_ClearDuringExchangeDoesNotCommit(t *testing.T) {
	completer := &stubCompleter{reply: "late", block: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newFixture(t, selection.Static{Text: "x"}, completer)
	ctx := context.Background()
	createActive(t, f.ctrl, "work")

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Run(ctx, prompts.OperationRephrase)
		done <- err
	}()
	<-completer.started

	if err := f.ctrl.ClearContext(ctx); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}
	if snap := f.ctrl.Snapshot(); !snap.Loading || snap.Active != nil {
		t.Fatalf("unexpected snapshot during clear: %+v", snap)
	}

	close(completer.block)
	if err := <-done; !errors.Is(err, ErrDiscarded) {
		t.Fatalf("expected ErrDiscarded, got %v", err)
	}

	list, err := f.store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("in-flight exchange committed after clear: %+v", list)
	}
	snap := f.ctrl.Snapshot()
	if snap.State != StateIdle || snap.Loading || snap.Result != "" {
		t.Fatalf("unexpected snapshot after discard: %+v", snap)
	}
}

func TestController_Run_CommitFailureStillShowsResult(t *testing.T) {
	backend := &flakyKV{MemoryStore: kv.NewMemoryStore()}
	completer := &stubCompleter{reply: "shown"}
	f := newFixtureWithKV(t, backend, selection.Static{Text: "x"}, completer)
	createActive(t, f.ctrl, "work")

	backend.mu.Lock()
	backend.failSet = true
	backend.mu.Unlock()

	reply, err := f.ctrl.Run(context.Background(), prompts.OperationRephrase)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	snap := f.ctrl.Snapshot()
	if reply != "shown" || snap.State != StateResultReady || snap.Result != "shown" || snap.Error == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestController_ClearContext(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{reply: "r"})
	ctx := context.Background()
	createActive(t, f.ctrl, "work")
	createActive(t, f.ctrl, "home")

	if err := f.ctrl.ClearContext(ctx); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}
	list, err := f.ctrl.Contexts(ctx)
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %+v", list)
	}
	if snap := f.ctrl.Snapshot(); snap.Active != nil || snap.State != StateIdle {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestController_Copy_AcknowledgementResets(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{reply: "copy me"})

	if err := f.ctrl.Copy(); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult before any result, got %v", err)
	}
	if _, err := f.ctrl.Run(context.Background(), prompts.OperationRephrase); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := f.ctrl.Copy(); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if f.clipboard.Text() != "copy me" {
		t.Fatalf("clipboard got %q", f.clipboard.Text())
	}

	for i := 0; i < 3; i++ {
		if !f.ctrl.Snapshot().Copied {
			t.Fatalf("expected Copied right after copy")
		}
	}
	f.clock.Advance(999 * time.Millisecond)
	if !f.ctrl.Snapshot().Copied {
		t.Fatalf("Copied reset too early")
	}
	f.clock.Advance(time.Millisecond)
	if f.ctrl.Snapshot().Copied {
		t.Fatalf("Copied not reset after delay")
	}
}

func TestController_Copy_AgainRestartsDelay(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{reply: "r"})
	if _, err := f.ctrl.Run(context.Background(), prompts.OperationRephrase); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.ctrl.Copy()
	f.clock.Advance(600 * time.Millisecond)
	f.ctrl.Copy()
	f.clock.Advance(600 * time.Millisecond)
	if !f.ctrl.Snapshot().Copied {
		t.Fatalf("second copy should restart the delay")
	}
	f.clock.Advance(400 * time.Millisecond)
	if f.ctrl.Snapshot().Copied {
		t.Fatalf("Copied not reset")
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", f.clock.Pending())
	}
}

func TestController_AddToContext_WithoutActiveUsesScratch(t *testing.T) {
	texts := []string{"first note", "second note", "rephrase me"}
	var i int
	source := selection.Func(func(ctx context.Context) (selection.Selection, error) {
		sel := selection.Selection{Text: texts[i]}
		i++
		return sel, nil
	})
	completer := &stubCompleter{reply: "done"}
	f := newFixture(t, source, completer)
	ctx := context.Background()

	for range 2 {
		if err := f.ctrl.AddToContext(ctx); err != nil {
			t.Fatalf("AddToContext: %v", err)
		}
	}
	if snap := f.ctrl.Snapshot(); snap.Scratch != 3 || snap.State != StateIdle || snap.Loading {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, err := f.ctrl.Run(ctx, prompts.OperationRephrase); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []llm.Message{
		llm.SystemMessage(prompts.Preamble()),
		llm.UserMessage("first note"),
		llm.UserMessage("second note"),
		instruction(t, prompts.OperationRephrase),
		llm.UserMessage("rephrase me"),
	}
	if calls := completer.Calls(); !reflect.DeepEqual(calls[0], want) {
		t.Fatalf("unexpected request: %+v", calls[0])
	}
	if snap := f.ctrl.Snapshot(); snap.Scratch != 0 {
		t.Fatalf("scratch not discarded after exchange: %d", snap.Scratch)
	}
	list, _ := f.store.List(ctx)
	if len(list) != 0 {
		t.Fatalf("scratch must not be persisted: %+v", list)
	}
}

func TestController_AddToContext_SeedsEmptyActiveContext(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "remember this"}, &stubCompleter{})
	ctx := context.Background()
	work := createActive(t, f.ctrl, "work")

	if err := f.ctrl.AddToContext(ctx); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}
	if err := f.ctrl.AddToContext(ctx); err != nil {
		t.Fatalf("second AddToContext: %v", err)
	}

	stored, _, _ := f.store.Get(ctx, work.ID)
	want := []llm.Message{
		llm.SystemMessage(prompts.Preamble()),
		llm.UserMessage("remember this"),
		llm.UserMessage("remember this"),
	}
	if !reflect.DeepEqual(stored.Messages, want) {
		t.Fatalf("unexpected messages: %+v", stored.Messages)
	}
	if snap := f.ctrl.Snapshot(); snap.Active == nil || len(snap.Active.Messages) != 3 {
		t.Fatalf("snapshot active not refreshed: %+v", snap.Active)
	}
}

func TestController_AddToContext_KeepsResult(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{reply: "result"})
	ctx := context.Background()
	if _, err := f.ctrl.Run(ctx, prompts.OperationRephrase); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := f.ctrl.AddToContext(ctx); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.State != StateResultReady || snap.Result != "result" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestController_ContextCreationFlow(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{})
	ctx := context.Background()

	if _, err := f.ctrl.SubmitContext(ctx, "work"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := f.ctrl.BeginContextCreation(); err != nil {
		t.Fatalf("BeginContextCreation: %v", err)
	}
	if _, err := f.ctrl.Run(ctx, prompts.OperationRephrase); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected Run to be rejected during creation, got %v", err)
	}
	if _, err := f.ctrl.SubmitContext(ctx, "  "); !errors.Is(err, contexts.ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.State != StateContextCreation || snap.Error == "" {
		t.Fatalf("expected to stay in creation with error, got %+v", snap)
	}
	if err := f.ctrl.CancelContextCreation(); err != nil {
		t.Fatalf("CancelContextCreation: %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.State != StateIdle || snap.Active != nil {
		t.Fatalf("unexpected snapshot after cancel: %+v", snap)
	}
	list, _ := f.store.List(ctx)
	if len(list) != 0 {
		t.Fatalf("cancel must not create contexts: %+v", list)
	}
}

func TestController_SelectAndDeselectContext(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{})
	ctx := context.Background()

	work, err := f.store.Create(ctx, "work")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.store.Create(ctx, "home"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.ctrl.SelectContext(ctx, work.ID); err != nil {
		t.Fatalf("SelectContext: %v", err)
	}
	if snap := f.ctrl.Snapshot(); snap.Active == nil || snap.Active.ID != work.ID {
		t.Fatalf("unexpected active: %+v", snap.Active)
	}
	home, err := f.ctrl.SelectContextByName(ctx, "home")
	if err != nil || home.Name != "home" {
		t.Fatalf("SelectContextByName: %+v %v", home, err)
	}
	if _, err := f.ctrl.SelectContext(ctx, "missing"); !errors.Is(err, contexts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.ctrl.SelectContextByName(ctx, "missing"); !errors.Is(err, contexts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	f.ctrl.DeselectContext()
	if snap := f.ctrl.Snapshot(); snap.Active != nil {
		t.Fatalf("expected no active context, got %+v", snap.Active)
	}
}

func TestController_Snapshot_DoesNotAliasActive(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{})
	ctx := context.Background()
	createActive(t, f.ctrl, "work")
	if err := f.ctrl.AddToContext(ctx); err != nil {
		t.Fatalf("AddToContext: %v", err)
	}

	snap := f.ctrl.Snapshot()
	snap.Active.Messages[0].Content = "mutated"
	if f.ctrl.Snapshot().Active.Messages[0].Content == "mutated" {
		t.Fatalf("snapshot shares messages with controller")
	}
}

type presenceFunc func() bool

func (f presenceFunc) Connected() bool { return f() }

func TestController_Snapshot_ReportsExtension(t *testing.T) {
	f := newFixture(t, selection.Static{Text: "x"}, &stubCompleter{})
	if f.ctrl.Snapshot().Extension {
		t.Fatalf("expected no extension without presence")
	}

	var mu sync.Mutex
	connected := true
	ctrl := New(ControllerConfig{
		Store:     f.store,
		Source:    selection.Static{Text: "x"},
		Completer: &stubCompleter{},
		Presence: presenceFunc(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return connected
		}),
	})
	if !ctrl.Snapshot().Extension {
		t.Fatalf("expected extension connected")
	}
	mu.Lock()
	connected = false
	mu.Unlock()
	if ctrl.Snapshot().Extension {
		t.Fatalf("expected extension disconnected")
	}
}

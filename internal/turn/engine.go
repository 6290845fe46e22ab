// Package turn drives one conversation turn end to end: prompt
// assembly, streamed completion, tool interleave with optional user
// confirmation, output normalization and the final commit.
package turn

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promethea/promethea/internal/bus"
	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/conn"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/llm"
	"github.com/promethea/promethea/internal/memory"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/scheduler"
	"github.com/promethea/promethea/internal/store"
	"github.com/promethea/promethea/internal/tools"
	"github.com/promethea/promethea/pkg/models"
)

// Sink receives the turn's client-visible frames.
type Sink interface {
	SendFrame(frame models.Frame) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(frame models.Frame) error

func (f SinkFunc) SendFrame(frame models.Frame) error { return f(frame) }

type nopSink struct{}

func (nopSink) SendFrame(models.Frame) error { return nil }

// Job is the payload a chat request attaches to its scheduler item.
type Job struct {
	Sink Sink

	resume   *runState
	decision string
	// resumeHandled guards the decided call against re-execution when
	// the scheduler retries the resumed item.
	resumeHandled bool
}

// ConfigSource resolves the effective configuration for a user.
type ConfigSource interface {
	ForUser(userID string) *config.Snapshot
}

// runState is the evolving state of one turn. On confirmation
// suspension it is parked in the pending table and picked up verbatim
// by the resume item.
type runState struct {
	turn        store.Turn
	turnID      string
	userMessage string
	system      string
	messages    []llm.Message
	segments    []string
	calls       []models.ToolCall
	hops        int

	// set only while suspended
	pendingCall models.ToolCall
	remaining   []models.ToolCall
	sink        Sink
}

const (
	defaultToolHopsMax = 6
	defaultConfirmTTL  = 5 * time.Minute
)

// Engine executes work items handed over by the scheduler.
type Engine struct {
	store    store.Store
	cfg      ConfigSource
	tools    *tools.Service
	memory   *memory.Service
	events   *bus.Bus
	registry *conn.Registry
	log      *observability.Logger
	metrics  *observability.Metrics

	// newProvider is the swap point for tests.
	newProvider func(config.APIConfig) (llm.Provider, error)

	sched   *scheduler.Scheduler
	pending *pendingTable
}

func NewEngine(st store.Store, cfg ConfigSource, toolsSvc *tools.Service, mem *memory.Service, events *bus.Bus, registry *conn.Registry, log *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:       st,
		cfg:         cfg,
		tools:       toolsSvc,
		memory:      mem,
		events:      events,
		registry:    registry,
		log:         log,
		metrics:     metrics,
		newProvider: llm.New,
		pending:     newPendingTable(),
	}
}

// Bind attaches the scheduler. The engine needs it to enqueue resume
// items; the scheduler needs the engine as its runner, so the cycle is
// closed after both are constructed.
func (e *Engine) Bind(s *scheduler.Scheduler) { e.sched = s }

// SetProviderFactory replaces how the engine constructs its LLM
// client; nil restores the default. Surfaces that embed the engine in
// their tests substitute a scripted provider through this.
func (e *Engine) SetProviderFactory(f func(config.APIConfig) (llm.Provider, error)) {
	if f == nil {
		f = llm.New
	}
	e.newProvider = f
}

// Submit enqueues a fresh chat turn. Frames flow to the sink; terminal
// failures surface there as an error frame.
func (e *Engine) Submit(ctx context.Context, userID, sessionID, message string, sink Sink) error {
	if strings.TrimSpace(message) == "" {
		return fault.New(fault.KindInvalidArguments, "message must not be empty")
	}
	if sink == nil {
		sink = nopSink{}
	}
	item := scheduler.NewItem(ctx, userID, sessionID, message)
	item.Payload = &Job{Sink: sink}
	item.OnError = e.errorReporter(sink, userID, sessionID)
	return e.sched.Enqueue(item)
}

// Run implements scheduler.Runner.
func (e *Engine) Run(ctx context.Context, tx store.Turn, item *scheduler.Item) (scheduler.Result, error) {
	job, _ := item.Payload.(*Job)
	if job == nil {
		job = &Job{Sink: nopSink{}}
	}
	if job.Sink == nil {
		job.Sink = nopSink{}
	}
	snap := e.cfg.ForUser(item.UserID)

	started := time.Now()
	result, err := e.run(ctx, snap, tx, item, job)
	if e.metrics != nil {
		outcome := "committed"
		switch {
		case err != nil:
			outcome = "failed"
		case result == scheduler.ResultSuspended:
			outcome = "suspended"
		}
		e.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
		e.metrics.TurnDuration.Observe(time.Since(started).Seconds())
	}
	return result, err
}

func (e *Engine) run(ctx context.Context, snap *config.Snapshot, tx store.Turn, item *scheduler.Item, job *Job) (scheduler.Result, error) {
	var state *runState
	if job.resume != nil {
		state = job.resume
	} else {
		st, err := e.freshState(ctx, snap, tx, item)
		if err != nil {
			return scheduler.ResultDone, err
		}
		state = st
	}
	ctx = observability.WithTurnID(ctx, state.turnID)

	provider, err := e.newProvider(snap.API)
	if err != nil {
		return scheduler.ResultDone, fault.Wrap(fault.KindInvalidArguments, "provider configuration", err)
	}

	if job.resume != nil {
		if !job.resumeHandled {
			suspended, err := e.resumeCalls(ctx, snap, job, state)
			job.resumeHandled = true
			if err != nil {
				return scheduler.ResultDone, err
			}
			if suspended {
				return scheduler.ResultSuspended, nil
			}
		}
	} else {
		e.emit(ctx, models.EventConversationStart, map[string]any{
			"user_id":    item.UserID,
			"session_id": item.SessionID,
			"turn_index": tx.Index,
		})
	}

	maxHops := snap.Conversation.ToolHopsMax
	if maxHops <= 0 {
		maxHops = defaultToolHopsMax
	}

	for {
		text, calls, err := e.streamOnce(ctx, provider, snap, state, job.Sink)
		if err != nil {
			// A partial segment from a failed call is dropped; a retry
			// streams the round again from its start.
			return scheduler.ResultDone, err
		}
		if text != "" {
			state.segments = append(state.segments, text)
		}
		if len(calls) == 0 {
			break
		}

		state.hops++
		if state.hops > maxHops {
			return scheduler.ResultDone, fault.Newf(fault.KindToolLoopLimit,
				"tool loop exceeded %d rounds", maxHops)
		}
		state.messages = append(state.messages, llm.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})
		suspended, err := e.runCalls(ctx, snap, job, state, calls)
		if err != nil {
			return scheduler.ResultDone, err
		}
		if suspended {
			return scheduler.ResultSuspended, nil
		}
	}

	return scheduler.ResultDone, e.commit(ctx, tx, item, job, state)
}

func (e *Engine) freshState(ctx context.Context, snap *config.Snapshot, tx store.Turn, item *scheduler.Item) (*runState, error) {
	rounds := snap.Conversation.HistoryRounds
	if rounds <= 0 {
		rounds = 10
	}
	history, err := e.store.Messages(ctx, item.UserID, item.SessionID, rounds*2)
	if err != nil {
		return nil, err
	}

	system := snap.SystemPrompt
	if snap.AgentName != "" {
		system = "You are " + snap.AgentName + ".\n\n" + system
	}
	if e.memory != nil {
		if recall := e.memory.Recall(ctx, item.UserID, item.SessionID, item.Message); recall != "" {
			system = strings.TrimSpace(system + "\n\n" + recall)
		}
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		// Tool plumbing from prior turns is not replayed; the committed
		// assistant text already reflects the tool outcomes.
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: models.RoleUser, Content: item.Message})

	return &runState{
		turn:        tx,
		turnID:      uuid.NewString(),
		userMessage: item.Message,
		system:      system,
		messages:    msgs,
	}, nil
}

// streamOnce runs a single completion call and forwards text deltas to
// the sink. Tool calls arrive whole from the provider and are returned
// for the interleave step.
func (e *Engine) streamOnce(ctx context.Context, provider llm.Provider, snap *config.Snapshot, state *runState, sink Sink) (string, []models.ToolCall, error) {
	callCtx := ctx
	if snap.API.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, snap.API.Timeout)
		defer cancel()
	}

	req := &llm.Request{
		Model:       snap.API.Model,
		System:      state.system,
		Messages:    state.messages,
		Tools:       e.toolSpecs(snap),
		MaxTokens:   snap.API.MaxTokens,
		Temperature: snap.API.Temperature,
	}

	started := time.Now()
	ch, err := provider.Stream(callCtx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []models.ToolCall
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			return text.String(), nil, chunk.Err
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			_ = sink.SendFrame(models.Frame{
				Type:      models.FrameText,
				SessionID: state.turn.SessionID,
				Content:   chunk.Text,
			})
			e.emit(ctx, models.EventStreamText, map[string]any{
				"session_id": state.turn.SessionID,
				"content":    chunk.Text,
			})
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		}
	}
	if e.metrics != nil {
		e.metrics.LLMRequestDuration.WithLabelValues(provider.Name(), snap.API.Model).
			Observe(time.Since(started).Seconds())
	}
	return text.String(), calls, nil
}

func (e *Engine) toolSpecs(snap *config.Snapshot) []llm.ToolSpec {
	if e.tools == nil {
		return nil
	}
	return e.tools.Registry().Specs(func(name string) bool {
		return tools.Exposed(snap.Tools, name)
	})
}

// runCalls executes one round of tool calls. A confirm-gated call
// parks the whole state and suspends; calls after it resume later in
// order.
func (e *Engine) runCalls(ctx context.Context, snap *config.Snapshot, job *Job, state *runState, calls []models.ToolCall) (bool, error) {
	for i, call := range calls {
		if call.CallID == "" {
			call.CallID = uuid.NewString()
		}
		_ = job.Sink.SendFrame(models.Frame{
			Type:      models.FrameToolDetected,
			SessionID: state.turn.SessionID,
			CallID:    call.CallID,
			ToolName:  call.Name,
			Args:      call.Arguments,
		})
		e.emit(ctx, models.EventStreamToolDetected, map[string]any{
			"session_id": state.turn.SessionID,
			"call_id":    call.CallID,
			"tool":       call.Name,
		})

		if tools.Decide(snap.Tools, call.Name) == tools.DecisionConfirm {
			call.Status = models.ToolCallAwaitingConfirm
			state.pendingCall = call
			state.remaining = append([]models.ToolCall(nil), calls[i+1:]...)
			state.sink = job.Sink
			ttl := snap.Conversation.ConfirmTTL
			if ttl <= 0 {
				ttl = defaultConfirmTTL
			}
			// Recorded before the frame goes out: the client may POST
			// its decision the moment it sees awaiting_confirm.
			e.pending.add(&pendingConfirmation{
				CallID:    call.CallID,
				UserID:    state.turn.UserID,
				SessionID: state.turn.SessionID,
				Tool:      call.Name,
				State:     state,
				ExpiresAt: time.Now().Add(ttl),
			})
			_ = job.Sink.SendFrame(models.Frame{
				Type:      models.FrameToolStart,
				SessionID: state.turn.SessionID,
				CallID:    call.CallID,
				ToolName:  call.Name,
				Status:    string(models.ToolCallAwaitingConfirm),
			})
			e.emit(ctx, models.EventStreamToolStart, map[string]any{
				"session_id": state.turn.SessionID,
				"call_id":    call.CallID,
				"tool":       call.Name,
				"status":     string(models.ToolCallAwaitingConfirm),
			})
			return true, nil
		}

		e.invoke(ctx, snap, job.Sink, state, call)
	}
	return false, nil
}

// resumeCalls finishes the round that was interrupted by a
// confirmation: the decided call first, then whatever followed it.
func (e *Engine) resumeCalls(ctx context.Context, snap *config.Snapshot, job *Job, state *runState) (bool, error) {
	call := state.pendingCall
	remaining := state.remaining
	state.pendingCall = models.ToolCall{}
	state.remaining = nil

	if job.decision == "approve" {
		e.invoke(ctx, snap, job.Sink, state, call)
	} else {
		call.Status = models.ToolCallRejected
		call.Result = "rejected by user"
		_ = job.Sink.SendFrame(models.Frame{
			Type:      models.FrameToolResult,
			SessionID: state.turn.SessionID,
			CallID:    call.CallID,
			ToolName:  call.Name,
			Status:    string(models.ToolCallRejected),
			Result:    call.Result,
		})
		e.emit(ctx, models.EventStreamToolResult, map[string]any{
			"session_id": state.turn.SessionID,
			"call_id":    call.CallID,
			"tool":       call.Name,
			"status":     string(models.ToolCallRejected),
		})
		state.calls = append(state.calls, call)
		state.messages = append(state.messages, llm.Message{
			Role:        models.RoleTool,
			ToolResults: []llm.ToolResult{{CallID: call.CallID, Content: "rejected by user"}},
		})
	}
	return e.runCalls(ctx, snap, job, state, remaining)
}

// invoke runs one tool call and folds its outcome into the state. Tool
// failures do not end the turn: the model sees the error text and
// decides how to continue.
func (e *Engine) invoke(ctx context.Context, snap *config.Snapshot, sink Sink, state *runState, call models.ToolCall) {
	call.Status = models.ToolCallRunning
	_ = sink.SendFrame(models.Frame{
		Type:      models.FrameToolStart,
		SessionID: state.turn.SessionID,
		CallID:    call.CallID,
		ToolName:  call.Name,
		Status:    string(models.ToolCallRunning),
	})
	e.emit(ctx, models.EventStreamToolStart, map[string]any{
		"session_id": state.turn.SessionID,
		"call_id":    call.CallID,
		"tool":       call.Name,
		"status":     string(models.ToolCallRunning),
	})

	result, err := e.tools.Execute(ctx, snap.Tools, call)
	if err != nil {
		call.Status = models.ToolCallError
		call.Error = fault.UserMessage(err)
		_ = sink.SendFrame(models.Frame{
			Type:      models.FrameToolError,
			SessionID: state.turn.SessionID,
			CallID:    call.CallID,
			ToolName:  call.Name,
			Status:    string(models.ToolCallError),
			Result:    call.Error,
		})
		e.emit(ctx, models.EventStreamToolError, map[string]any{
			"session_id": state.turn.SessionID,
			"call_id":    call.CallID,
			"tool":       call.Name,
			"kind":       string(fault.KindOf(err)),
		})
		state.messages = append(state.messages, llm.Message{
			Role:        models.RoleTool,
			ToolResults: []llm.ToolResult{{CallID: call.CallID, Content: call.Error, IsError: true}},
		})
	} else {
		call.Status = models.ToolCallDone
		call.Result = result
		_ = sink.SendFrame(models.Frame{
			Type:      models.FrameToolResult,
			SessionID: state.turn.SessionID,
			CallID:    call.CallID,
			ToolName:  call.Name,
			Status:    string(models.ToolCallDone),
			Result:    result,
		})
		e.emit(ctx, models.EventStreamToolResult, map[string]any{
			"session_id": state.turn.SessionID,
			"call_id":    call.CallID,
			"tool":       call.Name,
			"status":     string(models.ToolCallDone),
		})
		state.messages = append(state.messages, llm.Message{
			Role:        models.RoleTool,
			ToolResults: []llm.ToolResult{{CallID: call.CallID, Content: result}},
		})
	}
	state.calls = append(state.calls, call)
}

func (e *Engine) commit(ctx context.Context, tx store.Turn, item *scheduler.Item, job *Job, state *runState) error {
	final := NormalizeOutput(strings.Join(state.segments, ""))

	// The client may be gone by now; the turn still commits.
	commitCtx := context.WithoutCancel(ctx)
	msgs := []models.Message{
		{Role: models.RoleUser, Content: state.userMessage},
		{Role: models.RoleAssistant, Content: final, ToolCalls: state.calls},
	}
	if err := e.store.CommitTurn(commitCtx, tx, msgs); err != nil {
		return err
	}

	done := models.Frame{
		Type:      models.FrameDone,
		SessionID: tx.SessionID,
		Content:   final,
	}
	if err := job.Sink.SendFrame(done); err != nil && e.registry != nil {
		e.registry.RetainResult(tx.SessionID, tx.Index, []models.Frame{done})
	}

	e.emit(commitCtx, models.EventConversationDone, map[string]any{
		"user_id":    tx.UserID,
		"session_id": tx.SessionID,
		"turn_index": tx.Index,
	})
	if e.memory != nil {
		e.memory.Enqueue(models.MemoryCandidate{
			UserID:        tx.UserID,
			SessionID:     tx.SessionID,
			UserText:      state.userMessage,
			AssistantText: final,
			Timestamp:     time.Now(),
		})
	}
	return nil
}

func (e *Engine) errorReporter(sink Sink, userID, sessionID string) func(ctx context.Context, err error) {
	return func(ctx context.Context, err error) {
		_ = sink.SendFrame(models.Frame{
			Type:      models.FrameError,
			SessionID: sessionID,
			Content:   fault.UserMessage(err),
		})
		e.emit(ctx, models.EventConversationError, map[string]any{
			"user_id":    userID,
			"session_id": sessionID,
			"kind":       string(fault.KindOf(err)),
		})
	}
}

func (e *Engine) emit(ctx context.Context, eventType models.EventType, payload map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Emit(ctx, eventType, payload)
}

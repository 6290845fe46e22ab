package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/pkg/models"
)

// EventEmitter is the bus surface the service needs.
type EventEmitter interface {
	Emit(ctx context.Context, eventType models.EventType, payload map[string]any)
}

// Service executes tool calls under policy, schema validation and a
// per-tool timeout. Policy decisions themselves are made by Decide;
// the turn engine asks for confirmation before calling Execute on a
// confirm-gated tool.
type Service struct {
	registry *Registry
	log      *observability.Logger
	metrics  *observability.Metrics
	emitter  EventEmitter

	schemas map[string]*jsonschema.Schema
}

func NewService(registry *Registry, log *observability.Logger, metrics *observability.Metrics, emitter EventEmitter) (*Service, error) {
	s := &Service{
		registry: registry,
		log:      log,
		metrics:  metrics,
		emitter:  emitter,
		schemas:  make(map[string]*jsonschema.Schema),
	}
	// Schemas are fixed at registration time, so compile them once.
	for _, name := range registry.Names() {
		tool, _ := registry.Get(name)
		raw := tool.Schema()
		if len(raw) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		url := "tool://" + name + "/schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", name, err)
		}
		s.schemas[name] = schema
	}
	return s, nil
}

// Registry exposes the underlying registry for tool listing.
func (s *Service) Registry() *Registry { return s.registry }

// Execute runs one call to completion. The caller has already settled
// the policy question; denial here means the call slipped past a stale
// snapshot and is refused anyway.
func (s *Service) Execute(ctx context.Context, cfg config.ToolsConfig, call models.ToolCall) (string, error) {
	result, err := s.execute(ctx, cfg, call)

	status := "ok"
	if err != nil {
		status = string(fault.KindOf(err))
	}
	if s.metrics != nil {
		s.metrics.ToolCallsTotal.WithLabelValues(call.Name, status).Inc()
	}
	if s.emitter != nil {
		if err != nil {
			s.emitter.Emit(ctx, models.EventToolCallError, map[string]any{
				"call_id": call.CallID,
				"tool":    call.Name,
				"error":   fault.UserMessage(err),
			})
		} else {
			s.emitter.Emit(ctx, models.EventToolCallResult, map[string]any{
				"call_id": call.CallID,
				"tool":    call.Name,
			})
		}
	}
	return result, err
}

func (s *Service) execute(ctx context.Context, cfg config.ToolsConfig, call models.ToolCall) (string, error) {
	tool, ok := s.registry.Get(call.Name)
	if !ok {
		return "", fault.Newf(fault.KindNotFound, "unknown tool %q", call.Name)
	}
	if Decide(cfg, call.Name) == DecisionDeny {
		return "", fault.Newf(fault.KindToolDenied, "tool %q is not permitted", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if schema, ok := s.schemas[call.Name]; ok {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fault.Wrap(fault.KindInvalidArguments, "tool arguments are not valid JSON", err)
		}
		if err := schema.Validate(decoded); err != nil {
			return "", fault.Wrap(fault.KindInvalidArguments, "tool arguments do not match schema", err)
		}
	}

	timeout := cfg.Timeout
	if perTool, ok := cfg.Timeouts[call.Name]; ok {
		timeout = perTool
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.emitter != nil {
		s.emitter.Emit(ctx, models.EventToolCallStart, map[string]any{
			"call_id": call.CallID,
			"tool":    call.Name,
		})
	}
	s.log.Debug(ctx, "executing tool", "tool", call.Name, "call_id", call.CallID)

	start := time.Now()
	result, err := tool.Execute(runCtx, args)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.log.Debug(ctx, "tool finished", "tool", call.Name, "elapsed", elapsed)
		return result, nil
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return "", fault.Newf(fault.KindToolTimeout, "tool %q exceeded its %s budget", call.Name, timeout)
	case ctx.Err() != nil:
		return "", fault.Wrap(fault.KindCancelled, "tool cancelled", ctx.Err())
	case fault.KindOf(err) != fault.KindInternal:
		// Tool already classified its own failure.
		return "", err
	default:
		return "", fault.Wrap(fault.KindToolRuntime, fmt.Sprintf("tool %q failed", call.Name), err)
	}
}

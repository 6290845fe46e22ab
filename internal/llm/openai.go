package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/pkg/models"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion
// endpoint. BaseURL selects the backend; the wire format is the same.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewOpenAIProvider(cfg config.APIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req),
		Stream:   true,
	}
	if chatReq.Model == "" {
		chatReq.Model = p.model
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if p.maxTokens > 0 {
		chatReq.MaxTokens = p.maxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	chunks := make(chan Chunk)
	go p.drain(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) drain(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls arrive as fragments keyed by index; they are flushed
	// once complete, so downstream only ever sees whole calls.
	pending := make(map[int]*models.ToolCall)
	order := make([]int, 0, 2)

	flush := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc.CallID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Arguments) == 0 {
				tc.Arguments = json.RawMessage(`{}`)
			}
			chunks <- Chunk{ToolCall: tc}
		}
		pending = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			chunks <- Chunk{Done: true}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				chunks <- Chunk{Err: fault.Wrap(fault.KindCancelled, "stream cancelled", ctx.Err())}
				return
			}
			chunks <- Chunk{Err: classifyOpenAIError(err)}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- Chunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := pending[idx]
			if !ok {
				cur = &models.ToolCall{Status: models.ToolCallPending}
				pending[idx] = cur
				order = append(order, idx)
			}
			if tc.ID != "" {
				cur.CallID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.Arguments = append(cur.Arguments, tc.Function.Arguments...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func (p *OpenAIProvider) convertMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleTool:
			// One message per tool result.
			for _, res := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.CallID,
				})
			}
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

// classifyOpenAIError maps SDK errors onto the fault taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fault.Wrap(fault.KindRateLimited, "upstream rate limited", err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return fault.Wrap(fault.KindUnauthorized, "upstream rejected credentials", err)
		case apiErr.HTTPStatusCode >= 500:
			return fault.Wrap(fault.KindUpstreamUnavailable, "upstream error", err)
		case apiErr.HTTPStatusCode >= 400:
			return fault.Wrap(fault.KindInvalidArguments, "upstream rejected request", err)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fault.Wrap(fault.KindUpstreamUnavailable, "upstream unreachable", err)
	}
	return fault.Wrap(fault.KindUpstreamUnavailable, "upstream call failed", err)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements Provider on the native Anthropic API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicProvider(cfg config.APIConfig) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(options...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			var props map[string]any
			if err := json.Unmarshal(tool.Schema, &props); err == nil {
				if p, ok := props["properties"]; ok {
					schema.Properties = p
				}
				if r, ok := props["required"].([]any); ok {
					for _, item := range r {
						if s, ok := item.(string); ok {
							schema.Required = append(schema.Required, s)
						}
					}
				}
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: schema,
			},
		})
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk)
	go p.drain(ctx, stream, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) drain(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	var currentTool *models.ToolCall
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &models.ToolCall{
					CallID: use.ID,
					Name:   use.Name,
					Status: models.ToolCallPending,
				}
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Arguments = json.RawMessage(args)
				chunks <- Chunk{ToolCall: currentTool}
				currentTool = nil
			}
		case "message_stop":
			chunks <- Chunk{Done: true}
			return
		case "error":
			chunks <- Chunk{Err: fault.New(fault.KindUpstreamUnavailable, "upstream stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			chunks <- Chunk{Err: fault.Wrap(fault.KindCancelled, "stream cancelled", ctx.Err())}
			return
		}
		chunks <- Chunk{Err: classifyAnthropicError(err)}
		return
	}
	chunks <- Chunk{Done: true}
}

func (p *AnthropicProvider) convertMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.CallID, res.Content, res.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.CallID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

// classifyAnthropicError maps SDK errors onto the fault taxonomy,
// carrying the Retry-After header through on 429s.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			fe := fault.Wrap(fault.KindRateLimited, "upstream rate limited", err)
			if after := parseRetryAfter(apiErr.Response); after > 0 {
				fault.WithRetryAfter(fe, after)
			}
			return fe
		case apiErr.StatusCode == http.StatusUnauthorized,
			apiErr.StatusCode == http.StatusForbidden:
			return fault.Wrap(fault.KindUnauthorized, "upstream rejected credentials", err)
		case apiErr.StatusCode >= 500:
			return fault.Wrap(fault.KindUpstreamUnavailable, "upstream overloaded", err)
		case apiErr.StatusCode >= 400:
			return fault.Wrap(fault.KindInvalidArguments, "upstream rejected request", err)
		}
	}
	return fault.Wrap(fault.KindUpstreamUnavailable, "upstream call failed", err)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

package llm

import (
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/pkg/models"
)

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(config.APIConfig{Provider: "anthropic", APIKey: "k"})
	if err != nil || p.Name() != "anthropic" {
		t.Errorf("anthropic: %v %v", p, err)
	}
	p, err = New(config.APIConfig{Provider: "openai-compatible", APIKey: "k"})
	if err != nil || p.Name() != "openai" {
		t.Errorf("openai-compatible: %v %v", p, err)
	}
	if _, err := New(config.APIConfig{Provider: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestOpenAIMessageConversion(t *testing.T) {
	p := NewOpenAIProvider(config.APIConfig{APIKey: "k"})
	req := &Request{
		System: "be brief",
		Messages: []Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{{
				CallID: "c1", Name: "datetime.now", Arguments: []byte(`{}`),
			}}},
			{Role: models.RoleTool, ToolResults: []ToolResult{
				{CallID: "c1", Content: "noon"},
				{CallID: "c2", Content: "late"},
			}},
		},
	}
	msgs := p.convertMessages(req)

	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5 (system + user + assistant + 2 tool)", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be brief" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "datetime.now" {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "c1" {
		t.Errorf("tool result = %+v", msgs[3])
	}
}

func TestClassifyOpenAIError(t *testing.T) {
	cases := []struct {
		status int
		want   fault.Kind
	}{
		{http.StatusTooManyRequests, fault.KindRateLimited},
		{http.StatusUnauthorized, fault.KindUnauthorized},
		{http.StatusBadGateway, fault.KindUpstreamUnavailable},
		{http.StatusBadRequest, fault.KindInvalidArguments},
	}
	for _, tc := range cases {
		err := classifyOpenAIError(&openai.APIError{HTTPStatusCode: tc.status})
		if fault.KindOf(err) != tc.want {
			t.Errorf("status %d: got %v, want %v", tc.status, fault.KindOf(err), tc.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"7"}}}
	if got := parseRetryAfter(resp); got != 7*time.Second {
		t.Errorf("seconds form: %v", got)
	}
	if got := parseRetryAfter(nil); got != 0 {
		t.Errorf("nil response: %v", got)
	}
	resp.Header.Set("Retry-After", "not-a-number")
	if got := parseRetryAfter(resp); got != 0 {
		t.Errorf("garbage header: %v", got)
	}
}

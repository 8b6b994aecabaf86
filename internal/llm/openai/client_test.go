package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"weave/internal/config"
	"weave/internal/llm"
)

type testStreamHandler struct {
	deltas []string
	calls  []llm.ToolCall
}

func (h *testStreamHandler) OnDelta(content string)  { h.deltas = append(h.deltas, content) }
func (h *testStreamHandler) OnToolCall(tc llm.ToolCall) { h.calls = append(h.calls, tc) }

func TestFirstNonEmpty(t *testing.T) {
	if firstNonEmpty("", "a", "b") != "a" {
		t.Fatalf("unexpected firstNonEmpty")
	}
}

func TestIsEmptyArgsBytes(t *testing.T) {
	cases := map[string]bool{"": true, "{}": true, "null": true, `{"a":1}`: false}
	for in, want := range cases {
		if got := isEmptyArgsBytes([]byte(in)); got != want {
			t.Fatalf("isEmptyArgsBytes(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSanitizeToolSchemas_RemovesUnsupportedKeys(t *testing.T) {
	schemas := []llm.ToolSchema{{
		Name: "search",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "not": map[string]any{"type": "null"}},
			},
			"not": map[string]any{"type": "null"},
		},
	}}
	out := sanitizeToolSchemas(schemas)
	if _, ok := out[0].Parameters["not"]; ok {
		t.Fatalf("expected top-level not to be removed: %+v", out[0].Parameters)
	}
	props := out[0].Parameters["properties"].(map[string]any)
	query := props["query"].(map[string]any)
	if _, ok := query["not"]; ok {
		t.Fatalf("expected nested not to be removed: %+v", query)
	}
}

// TestChatStream_StreamsDeltasAndToolCalls exercises the SSE fallback parser
// (used for any non-default base URL) against a server emitting the standard
// chat.completion.chunk schema, including incremental tool-call arguments.
func TestChatStream_StreamsDeltasAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hel"},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	cli := New(config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o-mini"}, srv.Client())
	h := &testStreamHandler{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cli.ChatStream(ctx, []llm.Message{{Role: "user", Content: "hi"}}, nil, "", h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(h.deltas, "") != "hello" {
		t.Fatalf("expected accumulated deltas %q, got %q", "hello", strings.Join(h.deltas, ""))
	}
	if len(h.calls) != 1 || h.calls[0].Name != "lookup" {
		t.Fatalf("expected one lookup tool call, got %+v", h.calls)
	}
}

// TestSelfHostedSSEHeaderInjection verifies that streaming requests to
// self-hosted backends receive the Accept: text/event-stream header, and
// that the generic SSE fallback parser handles the response.
func TestSelfHostedSSEHeaderInjection(t *testing.T) {
	var completionsAcceptHeader string
	var requestMade bool

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestMade = true
		if strings.Contains(r.URL.Path, "/chat/completions") {
			completionsAcceptHeader = r.Header.Get("Accept")
		}
		if strings.Contains(r.URL.Path, "/tokenize") {
			_, _ = w.Write([]byte(`{"tokens": [1, 2, 3]}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"test"},"finish_reason":null}]}`))
		_, _ = w.Write([]byte("\n\n"))
		_, _ = w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
		_, _ = w.Write([]byte("\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})

	srv := httptest.NewServer(h)
	defer srv.Close()

	httpClient := &http.Client{Transport: &http.Transport{}}
	c := config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "test-model"}
	cli := New(c, httpClient)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handler := &testStreamHandler{}
	if err := cli.ChatStream(ctx, []llm.Message{{Role: "user", Content: "test"}}, nil, "", handler); err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if !requestMade {
		t.Fatal("no request was made to the test server")
	}
	if completionsAcceptHeader != "text/event-stream" {
		t.Errorf("expected Accept: text/event-stream on /chat/completions, got %q", completionsAcceptHeader)
	}
	if strings.Join(handler.deltas, "") != "test" {
		t.Fatalf("expected delta %q, got %q", "test", strings.Join(handler.deltas, ""))
	}
}

// TestTokenizer_CountTokensUsesTokenizeEndpointAndCaches verifies the
// Tokenizer calls a self-hosted backend's /tokenize endpoint and caches the
// result, so a repeated system prompt doesn't cost a second HTTP round trip.
func TestTokenizer_CountTokensUsesTokenizeEndpointAndCaches(t *testing.T) {
	var tokenizeCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/tokenize") {
			tokenizeCalls++
			_, _ = w.Write([]byte(`{"tokens": [1, 2, 3, 4]}`))
			return
		}
	}))
	defer srv.Close()

	cli := New(config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "test-model"}, srv.Client())
	tok := cli.Tokenizer()

	ctx := context.Background()
	n, err := tok.CountTokens(ctx, "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 tokens, got %d", n)
	}
	if _, err := tok.CountTokens(ctx, "hello world"); err != nil {
		t.Fatalf("unexpected error on cached call: %v", err)
	}
	if tokenizeCalls != 1 {
		t.Fatalf("expected /tokenize to be called once (cached on repeat), got %d calls", tokenizeCalls)
	}
}

// TestTokenizer_FallsBackToHeuristicWhenNotSelfHosted covers api.openai.com
// clients, which never hit /tokenize (isSelfHosted is false).
func TestTokenizer_FallsBackToHeuristicWhenNotSelfHosted(t *testing.T) {
	cli := New(config.OpenAIConfig{APIKey: "test", Model: "gpt-4o"}, http.DefaultClient)
	tok := cli.Tokenizer()

	n, err := tok.CountTokens(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != llm.EstimateTokens("hello world") {
		t.Fatalf("expected heuristic estimate %d, got %d", llm.EstimateTokens("hello world"), n)
	}
}

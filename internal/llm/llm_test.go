package llm

import (
	"context"
	"testing"
	"time"
)

// fakeHandler implements StreamHandler for testing streaming callbacks.
type fakeHandler struct {
	deltas []string
	calls  []ToolCall
}

func (f *fakeHandler) OnDelta(content string) { f.deltas = append(f.deltas, content) }
func (f *fakeHandler) OnToolCall(tc ToolCall) { f.calls = append(f.calls, tc) }

// fakeProvider implements Provider for testing the streaming contract.
type fakeProvider struct {
	err          error
	streamDeltas []string
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error {
	if f.err != nil {
		return f.err
	}
	for _, d := range f.streamDeltas {
		h.OnDelta(d)
		time.Sleep(time.Millisecond)
	}
	h.OnToolCall(ToolCall{Name: "fn", Args: nil, ID: "1"})
	return nil
}

func TestFakeProviderStream(t *testing.T) {
	p := &fakeProvider{streamDeltas: []string{"a", "b", "c"}}
	h := &fakeHandler{}
	if err := p.ChatStream(context.Background(), nil, nil, "", h); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(h.deltas) != 3 {
		t.Fatalf("expected 3 deltas got %d", len(h.deltas))
	}
	if len(h.calls) != 1 {
		t.Fatalf("expected 1 tool call got %d", len(h.calls))
	}
}

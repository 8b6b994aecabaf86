package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"weave/internal/budget"
	"weave/internal/chatmodel"
	"weave/internal/config"
	"weave/internal/llm"
	"weave/internal/tools"
)

type fakeStore struct {
	sessions map[string]chatmodel.Session
	messages map[string][]chatmodel.Message
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]chatmodel.Session{}, messages: map[string][]chatmodel.Message{}}
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (chatmodel.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return chatmodel.Session{}, chatmodelErrNotFound
	}
	return s, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, userID, title string) (chatmodel.Session, error) {
	f.nextID++
	s := chatmodel.Session{ID: "s1", UserID: userID, Title: title}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) TouchSession(ctx context.Context, id string) error { return nil }

func (f *fakeStore) ListMessages(ctx context.Context, sessionID string) ([]chatmodel.Message, error) {
	return f.messages[sessionID], nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, m chatmodel.Message) (chatmodel.Message, error) {
	f.nextID++
	if m.ID == "" {
		m.ID = "m" + string(rune('0'+f.nextID))
	}
	f.messages[m.SessionID] = append(f.messages[m.SessionID], m)
	return m, nil
}

// chatmodelErrNotFound stands in for store.ErrNotFound without importing
// the pgx-backed store package into this unit test.
var chatmodelErrNotFound = errors.New("not found")

type fakeProvider struct {
	content   string
	toolCalls []llm.ToolCall
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, toolSchemas []llm.ToolSchema, model string, h llm.StreamHandler) error {
	h.OnDelta(f.content)
	for _, tc := range f.toolCalls {
		h.OnToolCall(tc)
	}
	return nil
}

type fakeRegistry struct{}

func (fakeRegistry) List() []tools.Definition { return nil }
func (fakeRegistry) Register(t tools.Tool)     {}
func (fakeRegistry) Execute(ctx context.Context, name string, args json.RawMessage, ic tools.InvocationContext) tools.ToolOutput {
	return tools.ToolOutput{Content: "ok"}
}

func TestRunTurn_NoToolCalls(t *testing.T) {
	st := newFakeStore()
	p := New(Deps{
		Store:     st,
		Budget:    budget.New(budget.Config{ResponseReserve: 0.2, MinResponseTokens: 100, MaxSystemTokens: 1000, Ratios: budget.Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2}}, nil),
		Tools:     fakeRegistry{},
		Providers: map[string]llm.Provider{"gpt-test": &fakeProvider{content: "hello there"}},
		Limits:    config.DefaultPipelineLimits(),
	})

	var events []Event
	res, err := p.RunTurn(context.Background(), TurnRequest{UserID: "u1", Message: "hi", Model: "gpt-test"}, SinkFunc(func(e Event) {
		events = append(events, e)
	}))

	require.NoError(t, err)
	require.Equal(t, "hello there", res.Assistant.Content)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Kind)
}

func TestRunTurn_ToolRoundThenFinalAnswer(t *testing.T) {
	st := newFakeStore()
	calls := 0
	providers := map[string]llm.Provider{}
	providers["gpt-test"] = &scriptedProvider{steps: []fakeProvider{
		{content: "", toolCalls: []llm.ToolCall{{ID: "c1", Name: "noop", Args: json.RawMessage(`{}`)}}},
		{content: "done"},
	}, calls: &calls}

	p := New(Deps{
		Store:     st,
		Budget:    budget.New(budget.Config{ResponseReserve: 0.2, MinResponseTokens: 100, MaxSystemTokens: 1000, Ratios: budget.Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2}}, nil),
		Tools:     fakeRegistry{},
		Providers: providers,
		Limits:    config.DefaultPipelineLimits(),
	})

	res, err := p.RunTurn(context.Background(), TurnRequest{UserID: "u1", Message: "run the tool", Model: "gpt-test"}, nil)

	require.NoError(t, err)
	require.Equal(t, "done", res.Assistant.Content)
}

type scriptedProvider struct {
	steps []fakeProvider
	calls *int
}

func (s *scriptedProvider) ChatStream(ctx context.Context, msgs []llm.Message, schemas []llm.ToolSchema, model string, h llm.StreamHandler) error {
	step := s.steps[*s.calls]
	*s.calls++
	h.OnDelta(step.content)
	for _, tc := range step.toolCalls {
		h.OnToolCall(tc)
	}
	return nil
}

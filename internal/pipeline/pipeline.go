package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"weave/internal/budget"
	"weave/internal/chatmodel"
	"weave/internal/config"
	"weave/internal/llm"
	"weave/internal/memorytier"
	"weave/internal/messageprep"
	"weave/internal/observability"
	"weave/internal/prompts"
	"weave/internal/retrieval"
	"weave/internal/tools"
)

// SessionStore is the subset of internal/store.Store the pipeline drives.
// Declared narrowly so the pipeline can be tested against a fake.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (chatmodel.Session, error)
	CreateSession(ctx context.Context, userID, title string) (chatmodel.Session, error)
	TouchSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string) ([]chatmodel.Message, error)
	AppendMessage(ctx context.Context, m chatmodel.Message) (chatmodel.Message, error)
}

// UsageRecorder is the §4.M Audit/Usage Recorder's write surface, recorded
// best-effort at the end of a turn.
type UsageRecorder interface {
	Record(ctx context.Context, r chatmodel.UsageRecord) error
}

// Credentials is the §4.A Credential Store surface the completion stage
// consults before every upstream model call, satisfying property P4 (every
// upstream call is made with a token whose expiry > now, or the turn fails
// with auth_required). Optional: a nil Deps.Credentials skips the check,
// for deployments where the configured model providers carry their own
// static API keys rather than per-user delegated credentials.
type Credentials interface {
	GetOrRefresh(ctx context.Context, userID string) (chatmodel.CredentialRecord, error)
}

// Deps wires every collaborator a turn drives, one per spec.md §4 component.
type Deps struct {
	Store       SessionStore
	Prompts     *prompts.Router
	Memory      *memorytier.Service
	Retrieval   *retrieval.Orchestrator
	Budget      *budget.Manager
	Tools       tools.Registry
	Providers   map[string]llm.Provider // keyed by model name
	Usage       UsageRecorder
	Credentials Credentials // optional; see Credentials doc
	Limits      config.PipelineLimits
	BudgetCfg   config.BudgetConfig
	Experiment  config.Config // only ExperimentCollapseCycles is consulted
}

// TurnRequest is one inbound user turn (§6's {sessionId?, message,
// attachments?, options?} HTTP payload, already authenticated).
type TurnRequest struct {
	SessionID   string
	UserID      string
	UserGroups  []string
	Message     string
	Attachments []chatmodel.Attachment
	Model       string // overrides the default model when set
}

// TurnResult is RunTurn's return value once the stream completes.
type TurnResult struct {
	SessionID string
	Assistant chatmodel.Message
	Usage     chatmodel.UsageRecord
}

// Pipeline runs the Orchestration Pipeline (§4.J) stage sequence for one
// turn at a time. Grounded on the teacher's internal/agent/engine.go Engine:
// the same step-loop/tool-dispatch/stream-handler shape, generalized from a
// single in-process agent loop into discrete named stages, each timing out
// independently and classifying its failure into the §7 taxonomy.
type Pipeline struct {
	deps Deps
}

func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps}
}

// RunTurn executes every stage in §4.J's priority order: session-load(10),
// prompt-routing(20), retrieval(30), budget(40), message-preparation(45),
// completion(50) / tool-execution(60) looped, persistence(70),
// usage-record(80). Progress is reported on sink; RunTurn returns once the
// turn is fully persisted or a stage fails.
func (p *Pipeline) RunTurn(ctx context.Context, req TurnRequest, sink Sink) (TurnResult, error) {
	if sink == nil {
		sink = noopSink{}
	}
	log := observability.LoggerWithTrace(ctx)

	limits := p.deps.Limits
	if limits.OverallTurnTimeout <= 0 {
		limits = config.DefaultPipelineLimits()
	}
	ctx, cancel := context.WithTimeout(ctx, limits.OverallTurnTimeout)
	defer cancel()

	result := TurnResult{}

	// Stage 10: session-load.
	session, err := p.loadOrCreateSession(ctx, req)
	if err != nil {
		return result, p.fail(sink, req.SessionID, err)
	}
	result.SessionID = session.ID

	history, err := p.deps.Store.ListMessages(ctx, session.ID)
	if err != nil {
		return result, p.fail(sink, session.ID, classifyStageErr(ctx, KindInternal, fmt.Errorf("load history: %w", err)))
	}

	current := chatmodel.Message{
		SessionID:  session.ID,
		Role:       chatmodel.RoleUser,
		Content:    req.Message,
		Attachment: req.Attachments,
	}

	// Stage 20: prompt-routing.
	template, err := p.selectTemplate(ctx, req, history)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: prompt routing failed, continuing without a template")
	}

	// Stage 30: retrieval.
	retrieved, err := p.retrieveContext(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: retrieval failed, continuing without retrieved context")
	}

	memories, err := p.recallMemories(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline: memory recall failed, continuing without memories")
	}

	// Resolve which model/provider this turn drives.
	modelName := req.Model
	if modelName == "" {
		for name := range p.deps.Providers {
			modelName = name
			break
		}
	}
	provider, ok := p.deps.Providers[modelName]
	if !ok || provider == nil {
		return result, p.fail(sink, session.ID, newError(KindInternal, fmt.Errorf("no provider configured for model %q", modelName)))
	}

	// P4: a fresh delegated credential is required before any upstream call
	// this turn makes on the caller's behalf.
	if p.deps.Credentials != nil {
		if _, err := p.deps.Credentials.GetOrRefresh(ctx, req.UserID); err != nil {
			return result, p.fail(sink, session.ID, newError(KindAuthRequired, err))
		}
	}

	systemPrompt := buildSystemPrompt(template, retrieved)

	// Stage 40: budget.
	tiers, err := p.allocateBudget(ctx, modelName, systemPrompt, history, memories)
	if err != nil {
		return result, p.fail(sink, session.ID, newError(KindBudgetExceeded, err))
	}
	budgeted := tiers.Tier1.Messages
	systemPrompt = appendMemoryTiers(systemPrompt, tiers)

	// Stage 45: message-preparation.
	prepared := messageprep.Prepare(ctx, budgeted, &current, messageprep.Options{
		ExperimentCollapseCycles: p.deps.Experiment.ExperimentCollapseCycles,
	})

	assistant, turnMessages, usage, err := p.completionAndToolLoop(ctx, session.ID, systemPrompt, modelName, provider, prepared, limits, sink)
	if err != nil {
		return result, p.fail(sink, session.ID, err)
	}

	// Stage 70: persistence. Persists the user turn plus every message the
	// tool-calling loop produced (intermediate assistant/tool-call rounds
	// included), so the next turn's history reflects the full exchange.
	savedAssistant, err := p.persistTurn(ctx, session.ID, current, turnMessages, sink)
	if err != nil {
		return result, p.fail(sink, session.ID, newError(KindInternal, err))
	}
	assistant = savedAssistant

	// Stage 80: usage-record (best-effort per §4.M; failures log-and-continue).
	rec := chatmodel.UsageRecord{
		UserID:           req.UserID,
		SessionID:        session.ID,
		MessageID:        assistant.ID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		SourceCounts: map[string]int{
			"retrieval": len(retrieved),
			"memory":    len(memories),
		},
	}
	if template.ID != "" {
		rec.BaseTemplateID = template.ID
	}
	if p.deps.Usage != nil {
		if err := p.deps.Usage.Record(ctx, rec); err != nil {
			log.Error().Err(err).Msg("pipeline: usage record failed, continuing")
		}
	}
	sink.Emit(Event{Kind: EventUsage, SessionID: session.ID, Usage: &rec})
	sink.Emit(Event{Kind: EventDone, SessionID: session.ID})

	result.Assistant = assistant
	result.Usage = rec
	return result, nil
}

func (p *Pipeline) fail(sink Sink, sessionID string, err error) error {
	sink.Emit(Event{Kind: EventError, SessionID: sessionID, Err: err})
	return err
}

func (p *Pipeline) loadOrCreateSession(ctx context.Context, req TurnRequest) (chatmodel.Session, error) {
	if req.SessionID != "" {
		s, err := p.deps.Store.GetSession(ctx, req.SessionID)
		if err == nil {
			_ = p.deps.Store.TouchSession(ctx, s.ID)
			return s, nil
		}
	}
	title := req.Message
	if len(title) > 80 {
		title = title[:80]
	}
	return p.deps.Store.CreateSession(ctx, req.UserID, title)
}

func (p *Pipeline) selectTemplate(ctx context.Context, req TurnRequest, history []chatmodel.Message) (chatmodel.PromptTemplate, error) {
	if p.deps.Prompts == nil {
		return chatmodel.PromptTemplate{}, nil
	}
	convo := make([]string, 0, len(history))
	for _, m := range history {
		convo = append(convo, m.Content)
	}
	return p.deps.Prompts.SelectTemplateForQuery(ctx, req.UserID, req.Message, convo, req.UserGroups)
}

func (p *Pipeline) retrieveContext(ctx context.Context, req TurnRequest) ([]retrieval.Result, error) {
	if p.deps.Retrieval == nil {
		return nil, nil
	}
	return p.deps.Retrieval.Search(ctx, req.Message, req.UserID, retrieval.Options{
		IncludeMemories:  false,
		IncludeArtifacts: true,
		IncludeDocuments: true,
		Limit:            8,
	})
}

func (p *Pipeline) recallMemories(ctx context.Context, req TurnRequest) ([]chatmodel.Memory, error) {
	if p.deps.Memory == nil {
		return nil, nil
	}
	return p.deps.Memory.Search(ctx, req.UserID, req.Message, memorytier.Filters{}, 12)
}

func buildSystemPrompt(template chatmodel.PromptTemplate, retrieved []retrieval.Result) string {
	prompt := template.Content
	if len(retrieved) == 0 {
		return prompt
	}
	prompt += "\n\n# Retrieved context\n"
	for _, r := range retrieved {
		prompt += fmt.Sprintf("- (%s) %s: %s\n", r.Type, r.Title, r.Content)
	}
	return prompt
}

// appendMemoryTiers folds the §4.E tier2 (summaries) and tier3 (domain
// knowledge / entity facts) allocations into the system prompt, since the
// Budget Manager only assembles tier1 as chat-turn messages.
func appendMemoryTiers(systemPrompt string, tiers budget.Tiers) string {
	if len(tiers.Tier2.Memories) == 0 && len(tiers.Tier3.Memories) == 0 {
		return systemPrompt
	}
	out := systemPrompt
	if len(tiers.Tier2.Memories) > 0 {
		out += "\n\n# Relevant conversation summaries\n"
		for _, mem := range tiers.Tier2.Memories {
			out += "- " + mem.Summary + "\n"
		}
	}
	if len(tiers.Tier3.Memories) > 0 {
		out += "\n\n# Relevant domain knowledge\n"
		for _, mem := range tiers.Tier3.Memories {
			out += "- " + mem.Content + "\n"
		}
	}
	return out
}

func (p *Pipeline) allocateBudget(ctx context.Context, modelName, systemPrompt string, messages []chatmodel.Message, memories []chatmodel.Memory) (budget.Tiers, error) {
	window, _ := llm.ContextSize(modelName)
	model := budget.Model{Name: modelName, ContextWindow: window}
	b, err := p.deps.Budget.OptimizeBudget(model, p.deps.Budget.EstimateSystemPromptTokens(ctx, systemPrompt), messages)
	if err != nil {
		return budget.Tiers{}, err
	}
	return budget.BuildTiers(b, messages, memories), nil
}

// completionAndToolLoop drives stage 50 (completion) and stage 60
// (tool-execution) in a loop: up to Limits.MaxToolRounds rounds, each round
// dispatching up to Limits.MaxToolCallsPerTurn tool calls concurrently under
// Limits.PerToolTimeout, then re-entering completion with
// ForceFinalCompletion until the model stops calling tools or the round cap
// is hit. Grounded on the teacher's Engine.runStreamLoop /
// Engine.dispatchTools (internal/agent/engine.go).
func (p *Pipeline) completionAndToolLoop(
	ctx context.Context,
	sessionID, systemPrompt, modelName string,
	provider llm.Provider,
	prepared []chatmodel.Message,
	limits config.PipelineLimits,
	sink Sink,
) (chatmodel.Message, []chatmodel.Message, chatmodel.TokenUsage, error) {
	log := observability.LoggerWithTrace(ctx)
	schemas := toolSchemas(p.deps.Tools.List())

	msgs := prepared
	var generated []chatmodel.Message
	var lastAssistant chatmodel.Message
	var usage chatmodel.TokenUsage

	for round := 0; round <= limits.MaxToolRounds; round++ {
		llmMsgs := toLLMMessages(systemPrompt, msgs)

		handler := &streamForwarder{sink: sink, sessionID: sessionID}
		if err := provider.ChatStream(ctx, llmMsgs, schemas, modelName, handler); err != nil {
			return chatmodel.Message{}, nil, usage, classifyStageErr(ctx, KindUpstreamUnavailable, err)
		}
		if handler.err != nil {
			return chatmodel.Message{}, nil, usage, classifyStageErr(ctx, KindSchemaViolation, handler.err)
		}

		assistant := fromLLMAssistant(sessionID, llm.Message{
			Role:      "assistant",
			Content:   handler.content,
			ToolCalls: handler.toolCalls,
		})
		lastAssistant = assistant
		msgs = append(msgs, assistant)
		generated = append(generated, assistant)

		if len(assistant.ToolCalls) == 0 {
			return assistant, generated, usage, nil
		}

		if round == limits.MaxToolRounds {
			lastAssistant.Content = terminationMessage
			lastAssistant.ToolCalls = nil
			generated[len(generated)-1] = lastAssistant
			return lastAssistant, generated, usage, nil
		}

		calls := assistant.ToolCalls
		if len(calls) > limits.MaxToolCallsPerTurn {
			log.Warn().Int("requested", len(calls)).Int("cap", limits.MaxToolCallsPerTurn).
				Msg("pipeline: tool calls in one turn exceed the configured cap, truncating")
			calls = calls[:limits.MaxToolCallsPerTurn]
		}

		toolMsgs := p.dispatchTools(ctx, sessionID, calls, limits.PerToolTimeout, sink)
		msgs = append(msgs, toolMsgs...)
		generated = append(generated, toolMsgs...)

		msgs = messageprep.Prepare(ctx, msgs, nil, messageprep.Options{
			ForceFinalCompletion:     true,
			ExperimentCollapseCycles: p.deps.Experiment.ExperimentCollapseCycles,
		})
	}

	return lastAssistant, generated, usage, nil
}

// terminationMessage is what the assistant turn carries when the tool-round
// cap is reached without the model producing a final answer (§4.J's
// cap-breach termination message).
const terminationMessage = "I reached the maximum number of tool-use rounds for this turn without completing the task. Please try rephrasing or breaking the request into smaller steps."

// dispatchTools runs one round of tool calls concurrently, each bounded by
// perToolTimeout via the registry's own enforcement, and converts results
// back into tool-role chatmodel.Messages.
func (p *Pipeline) dispatchTools(ctx context.Context, sessionID string, calls []chatmodel.ToolCall, perToolTimeout time.Duration, sink Sink) []chatmodel.Message {
	out := make([]chatmodel.Message, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		i, tc := i, tc
		sink.Emit(Event{Kind: EventToolCallStarted, SessionID: sessionID, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Arguments})
		wg.Add(1)
		go func() {
			defer wg.Done()
			ic := tools.InvocationContext{Timeout: perToolTimeout, Caller: sessionID}
			output := p.deps.Tools.Execute(ctx, tc.Name, json.RawMessage(tc.Arguments), ic)
			out[i] = chatmodel.Message{
				SessionID:  sessionID,
				Role:       chatmodel.RoleTool,
				Content:    output.Content,
				ToolCallID: tc.ID,
			}
			sink.Emit(Event{
				Kind: EventToolCallComplete, SessionID: sessionID, ToolCallID: tc.ID,
				ToolName: tc.Name, ToolResult: output.Content, ToolError: output.IsError,
			})
		}()
	}
	wg.Wait()
	return out
}

// persistTurn appends the user message followed by every message the
// completion/tool loop generated (intermediate tool-call rounds included),
// each as its own row so the next turn's history reconstructs the full
// exchange.
func (p *Pipeline) persistTurn(ctx context.Context, sessionID string, user chatmodel.Message, generated []chatmodel.Message, sink Sink) (chatmodel.Message, error) {
	savedUser, err := p.deps.Store.AppendMessage(ctx, user)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("persist user message: %w", err)
	}
	sink.Emit(Event{Kind: EventMessagePersisted, SessionID: sessionID, Message: &savedUser})

	var lastSaved chatmodel.Message
	for i, m := range generated {
		m.SessionID = sessionID
		saved, err := p.deps.Store.AppendMessage(ctx, m)
		if err != nil {
			return chatmodel.Message{}, fmt.Errorf("persist turn message %d: %w", i, err)
		}
		sink.Emit(Event{Kind: EventMessagePersisted, SessionID: sessionID, Message: &saved})
		lastSaved = saved
	}
	return lastSaved, nil
}

// streamForwarder implements llm.StreamHandler, forwarding deltas to the
// turn's Sink as they arrive and accumulating the full assistant response.
type streamForwarder struct {
	sink      Sink
	sessionID string
	content   string
	toolCalls []llm.ToolCall
	err       error
}

func (h *streamForwarder) OnDelta(content string) {
	h.content += content
	h.sink.Emit(Event{Kind: EventDelta, SessionID: h.sessionID, Delta: content})
}

func (h *streamForwarder) OnToolCall(tc llm.ToolCall) {
	h.toolCalls = append(h.toolCalls, tc)
}

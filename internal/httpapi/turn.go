package httpapi

import (
	"encoding/json"
	"net/http"

	"weave/internal/chatmodel"
	"weave/internal/jobwatcher"
	"weave/internal/observability"
	"weave/internal/pipeline"
	"weave/internal/sse"
)

// turnRequestBody is §6's inbound turn payload:
// {sessionId?, message, attachments?, options?}.
type turnRequestBody struct {
	SessionID   string           `json:"sessionId"`
	Message     string           `json:"message"`
	Attachments []attachmentBody `json:"attachments"`
	Options     turnOptionsBody  `json:"options"`
}

type attachmentBody struct {
	BlobKey     string `json:"blobKey"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
}

type turnOptionsBody struct {
	Model string `json:"model"`
}

// TurnHandler drives one inbound turn: it authenticates via the
// surrounding middleware chain, decodes the request body, opens an SSE
// stream, runs pipeline.Pipeline.RunTurn with the stream as its sink, and
// forwards background-job transitions concurrently for the turn's
// duration. Grounded on the teacher's internal/agentd chat handler (decode
// body -> open SSE -> drive engine -> forward job updates), generalized to
// the Orchestration Pipeline + SSE Transport split.
type TurnHandler struct {
	Pipeline *pipeline.Pipeline
	Jobs     *jobwatcher.Watcher // optional; nil disables job forwarding
}

func NewTurnHandler(p *pipeline.Pipeline, jobs *jobwatcher.Watcher) *TurnHandler {
	return &TurnHandler{Pipeline: p, Jobs: jobs}
}

func (h *TurnHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observability.LoggerWithTrace(r.Context())
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body turnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	stream, err := sse.New(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	req := pipeline.TurnRequest{
		SessionID:   body.SessionID,
		UserID:      caller.ID,
		UserGroups:  caller.Groups,
		Message:     body.Message,
		Attachments: toAttachments(body.Attachments),
		Model:       body.Options.Model,
	}

	// req.SessionID may be empty for a brand-new session; the pipeline
	// resolves the real id in its session-load stage and the client learns
	// it from the first message_persisted event's message.sessionId.
	stream.Connected(req.SessionID, sse.Capabilities{
		"tool_calls": true,
		"job_events": h.Jobs != nil,
	})

	done := make(chan struct{})
	defer close(done)
	go stream.RunHeartbeat(done)
	if h.Jobs != nil {
		go stream.ForwardJobs(req.SessionID, h.Jobs.Events(), done)
	}

	if _, err := h.Pipeline.RunTurn(r.Context(), req, stream.Sink()); err != nil {
		log.Warn().Err(err).Str("sessionId", req.SessionID).Msg("httpapi: turn failed")
	}
}

func toAttachments(in []attachmentBody) []chatmodel.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]chatmodel.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, chatmodel.Attachment{BlobKey: a.BlobKey, ContentType: a.ContentType, Filename: a.Filename})
	}
	return out
}

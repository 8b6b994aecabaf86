// Package sse implements the SSE Transport (§4.K): it drives one
// text/event-stream HTTP response per turn, forwarding pipeline.Events as
// named SSE events, interleaving a 15-second heartbeat, and forwarding
// background-job transitions as the job watcher delivers them. Grounded on the
// teacher's internal/agentd/handlers_chat.go SSE handler (Content-Type /
// Cache-Control headers, http.Flusher, mutex-guarded "event: X\ndata:
// Y\n\n" writes), generalized from one ad hoc inline handler into a
// reusable Stream type driven by pipeline.Event / jobwatcher.Transition.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"weave/internal/jobwatcher"
	"weave/internal/pipeline"
)

// HeartbeatInterval is §6's SSE heartbeat cadence.
const HeartbeatInterval = 15 * time.Second

// JobForwardInterval is §6's background-job forwarding cadence.
const JobForwardInterval = 2 * time.Second

// EventKind enumerates every named SSE event this transport emits, per
// §4.K: connected, delta, tool_call_started, tool_call_completed,
// message_persisted, usage, job_completed, error, done. The heartbeat is a
// comment line (see RunHeartbeat), not a named event.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventJobDone   EventKind = "job_completed"
)

// Stream drives one SSE response body for one turn. It owns header setup,
// flush discipline, and the heartbeat/job-forward tickers; callers supply
// the turn's pipeline.Event feed via Pump or drive the pipeline directly
// with Sink().
type Stream struct {
	w  http.ResponseWriter
	fl http.Flusher
	mu sync.Mutex
}

// New prepares w for SSE: disables buffering, sets the event-stream
// content type, and confirms the ResponseWriter supports flushing.
func New(w http.ResponseWriter) (*Stream, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: ResponseWriter does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx response buffering
	return &Stream{w: w, fl: fl}, nil
}

// write emits one "event: kind\ndata: json\n\n" frame, serialized against
// concurrent writers (turn events vs. heartbeat/job-forward goroutines).
func (s *Stream) write(kind string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, b)
	s.fl.Flush()
}

// Capabilities are the server-side feature flags §4.K's "connected" event
// advertises to the client up front (e.g. which event kinds this deployment
// actually emits, given optional components like Memory/Retrieval may be
// nil).
type Capabilities map[string]bool

// Connected emits the opening connected event carrying the session id the
// turn resolved (new sessions get their id here) and this server's
// capability flags.
func (s *Stream) Connected(sessionID string, caps Capabilities) {
	s.write(string(EventConnected), map[string]any{"sessionId": sessionID, "capabilities": caps})
}

// Sink adapts the Stream to pipeline.Sink, translating pipeline.Events 1:1
// into named SSE frames.
func (s *Stream) Sink() pipeline.Sink {
	return pipeline.SinkFunc(func(e pipeline.Event) {
		switch e.Kind {
		case pipeline.EventDelta:
			s.write(string(e.Kind), map[string]string{"sessionId": e.SessionID, "delta": e.Delta})
		case pipeline.EventToolCallStarted:
			s.write(string(e.Kind), map[string]any{
				"sessionId": e.SessionID, "toolCallId": e.ToolCallID, "name": e.ToolName, "args": e.ToolArgs,
			})
		case pipeline.EventToolCallComplete:
			s.write(string(e.Kind), map[string]any{
				"sessionId": e.SessionID, "toolCallId": e.ToolCallID, "name": e.ToolName,
				"result": e.ToolResult, "isError": e.ToolError,
			})
		case pipeline.EventMessagePersisted:
			s.write(string(e.Kind), map[string]any{"sessionId": e.SessionID, "message": e.Message})
		case pipeline.EventUsage:
			s.write(string(e.Kind), map[string]any{"sessionId": e.SessionID, "usage": e.Usage})
		case pipeline.EventError:
			s.write(string(e.Kind), map[string]any{
				"sessionId": e.SessionID, "kind": string(pipeline.ClassifyKind(e.Err)), "message": e.Err.Error(),
			})
		case pipeline.EventDone:
			s.write(string(e.Kind), map[string]string{"sessionId": e.SessionID})
		}
	})
}

// RunHeartbeat writes the §4.K ": heartbeat\n\n" comment-line sentinel every
// HeartbeatInterval until done fires. A comment line, not a named event, so
// it defeats intermediary response buffering without the client's
// EventSource ever surfacing it as a message.
func (s *Stream) RunHeartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			fmt.Fprint(s.w, ": heartbeat\n\n")
			s.fl.Flush()
			s.mu.Unlock()
		}
	}
}

// ForwardJobs relays a jobwatcher's Transitions for the given session as
// job_completed events until its channel closes or done fires. Forwarding
// itself is immediate on receipt, so how soon a transition arrives is set by
// the watcher's PollInterval (jobwatcher.DefaultPollInterval unless the
// caller changes it); JobForwardInterval is not consulted.
func (s *Stream) ForwardJobs(sessionID string, transitions <-chan jobwatcher.Transition, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			if t.Job.SessionID != sessionID {
				continue
			}
			if t.Job.Status != t.Previous {
				s.write(string(EventJobDone), map[string]any{
					"sessionId": sessionID, "jobId": t.Job.ID, "status": t.Job.Status, "result": t.Job.Result, "error": t.Job.Error,
				})
			}
		}
	}
}

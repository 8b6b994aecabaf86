// Package jobwatcher implements the Background Job Watcher (§4.L): a
// 5-second poll loop over in-flight background jobs that emits an internal
// event on every status transition, for SSE Transport (§4.K) to forward as
// job_completed events. Grounded on the teacher's image-generation poll loop
// (imggen.go's time.NewTicker(2*time.Second) wait-for-ready pattern),
// generalized from one HTTP handler's wait loop into a standalone watcher
// over every active job in the store.
package jobwatcher

import (
	"context"
	"sync"
	"time"

	"weave/internal/chatmodel"
	"weave/internal/observability"
)

// DefaultPollInterval is §6's job watcher poll cadence.
const DefaultPollInterval = 5 * time.Second

// Store is the subset of internal/store.Store the watcher polls.
type Store interface {
	ListActiveJobs(ctx context.Context) ([]chatmodel.BackgroundJob, error)
}

// Transition is emitted whenever a watched job's status changes since the
// previous poll.
type Transition struct {
	Job      chatmodel.BackgroundJob
	Previous chatmodel.JobStatus
}

// Watcher polls Store on PollInterval and emits Transitions on Events.
// Safe for one Run goroutine; mu guards the lastKnown status map.
type Watcher struct {
	store        Store
	PollInterval time.Duration
	MaxWatchSet  int // 0 means unbounded

	mu        sync.Mutex
	lastKnown map[string]chatmodel.JobStatus

	events chan Transition
}

func New(store Store) *Watcher {
	return &Watcher{
		store:        store,
		PollInterval: DefaultPollInterval,
		lastKnown:    map[string]chatmodel.JobStatus{},
		events:       make(chan Transition, 64),
	}
}

// Events returns the channel of job status transitions. Run must be started
// for this channel to receive anything.
func (w *Watcher) Events() <-chan Transition { return w.events }

// Run polls until ctx is cancelled, closing Events() on exit.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := observability.LoggerWithTrace(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.store.ListActiveJobs(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("jobwatcher: poll failed, will retry next tick")
				continue
			}
			w.diff(ctx, jobs)
		}
	}
}

func (w *Watcher) diff(ctx context.Context, jobs []chatmodel.BackgroundJob) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = true
		prev, known := w.lastKnown[j.ID]
		if w.MaxWatchSet > 0 && !known && len(w.lastKnown) >= w.MaxWatchSet {
			continue // watch-set cap reached; this job's transitions are skipped until room frees up
		}
		if known && prev == j.Status {
			continue
		}
		w.lastKnown[j.ID] = j.Status
		select {
		case w.events <- Transition{Job: j, Previous: prev}:
		case <-ctx.Done():
			return
		default:
			observability.LoggerWithTrace(ctx).Warn().Str("jobId", j.ID).Msg("jobwatcher: event channel full, dropping transition")
		}
	}
	// A job that fell out of the active set (terminal since last poll, and
	// no longer returned by ListActiveJobs) is looked up once more, when the
	// store supports GetJob, so its terminal transition is emitted; it then
	// stops being tracked.
	getter, canGet := w.store.(interface {
		GetJob(ctx context.Context, id string) (chatmodel.BackgroundJob, error)
	})
	for id, prev := range w.lastKnown {
		if seen[id] {
			continue
		}
		delete(w.lastKnown, id)
		if !canGet {
			continue
		}
		if j, err := getter.GetJob(ctx, id); err == nil && j.Status != prev {
			select {
			case w.events <- Transition{Job: j, Previous: prev}:
			default:
				observability.LoggerWithTrace(ctx).Warn().Str("jobId", id).Msg("jobwatcher: event channel full, dropping transition")
			}
		}
	}
}

// Package usage implements the Audit/Usage Recorder (§4.M): a best-effort
// writer of one chatmodel.UsageRecord per assistant turn. Grounded on the
// teacher's internal/persistence/databases usage-logging helpers
// (RecordUsage-style inserts called fire-and-forget from the agent loop),
// generalized into a standalone recorder the pipeline's usage-record stage
// (§4.J priority 80) calls directly rather than a background goroutine, so
// failures are observed and logged in the same trace as the turn.
package usage

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"weave/internal/chatmodel"
	"weave/internal/observability"
)

// Store is the persistence surface this recorder writes through.
type Store interface {
	RecordUsage(ctx context.Context, r chatmodel.UsageRecord) error
}

// Publisher is the best-effort async sink a Recorder mirrors every record to,
// in addition to the durable Store write. A nil Publisher disables mirroring.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Recorder writes usage records best-effort: a Store failure is logged and
// returned; the pipeline's usage-record stage logs it and continues, so it
// never fails the turn that produced it.
type Recorder struct {
	store Store
	pub   Publisher
}

func New(store Store) *Recorder {
	return &Recorder{store: store}
}

// WithPublisher attaches a Kafka sink that every Record call mirrors to,
// fire-and-forget. Publish failures are logged and never returned to the
// caller — the Store write above is the source of truth.
func (r *Recorder) WithPublisher(pub Publisher) *Recorder {
	r.pub = pub
	return r
}

// Record persists r, generating an ID when the caller left one unset.
func (r *Recorder) Record(ctx context.Context, rec chatmodel.UsageRecord) error {
	if err := r.store.RecordUsage(ctx, rec); err != nil {
		observability.LoggerWithTrace(ctx).Error().
			Err(err).Str("sessionId", rec.SessionID).Str("userId", rec.UserID).
			Msg("usage: record write failed, continuing")
		return err
	}
	r.publish(ctx, rec)
	return nil
}

func (r *Recorder) publish(ctx context.Context, rec chatmodel.UsageRecord) {
	if r.pub == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.pub.WriteMessages(ctx, kafka.Message{Key: []byte(rec.SessionID), Value: payload}); err != nil {
		observability.LoggerWithTrace(ctx).Warn().
			Err(err).Str("sessionId", rec.SessionID).
			Msg("usage: kafka publish failed, continuing")
	}
}

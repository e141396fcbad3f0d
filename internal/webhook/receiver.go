package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcormack/mailtrack/internal/db"
	"github.com/jcormack/mailtrack/internal/metrics"
	"github.com/jcormack/mailtrack/internal/observ"
)

// RecordStore is the store surface the receiver mutates through.
type RecordStore interface {
	RecordLookup
	GetTrackingRecord(ctx context.Context, id uuid.UUID) (*db.EmailTrackingRecord, error)
	UpdateSendStatus(ctx context.Context, id uuid.UUID, patch db.StatusPatch) (bool, error)
	RecordOpen(ctx context.Context, id uuid.UUID, openedAt time.Time) error
}

// Summary is the per-batch accounting returned to the HTTP layer.
type Summary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Receiver applies a batch of provider events to the tracking store. Events
// are independent: a failure in one is counted and the rest of the batch
// still runs, because the provider will not redeliver a batch we have
// acknowledged.
type Receiver struct {
	store      RecordStore
	matcher    *Matcher
	classifier *OpenClassifier
	logger     *zap.Logger
}

// NewReceiver wires the matching and classification pipeline to a store.
func NewReceiver(store RecordStore, matcher *Matcher, classifier *OpenClassifier, logger *zap.Logger) *Receiver {
	return &Receiver{
		store:      store,
		matcher:    matcher,
		classifier: classifier,
		logger:     logger,
	}
}

// ProcessBatch handles each event in order and never aborts early. Ordering
// across events carries no meaning; every mutation is idempotent or
// commutative so replays and out-of-order delivery converge on the same
// state.
func (r *Receiver) ProcessBatch(ctx context.Context, events []Event) Summary {
	var sum Summary

	for _, ev := range events {
		outcome := r.processEvent(ctx, ev)
		metrics.RecordWebhookEvent(ev.Type, outcome)

		switch outcome {
		case outcomeProcessed:
			sum.Processed++
		case outcomeError:
			sum.Errors++
		default:
			sum.Skipped++
		}
	}

	return sum
}

const (
	outcomeProcessed = "processed"
	outcomeSkipped   = "skipped"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

func (r *Receiver) processEvent(ctx context.Context, ev Event) string {
	id, resolution, err := r.matcher.Resolve(ctx, ev)
	if err != nil {
		r.logger.Error("event correlation failed",
			zap.Error(err),
			zap.String("event_type", ev.Type),
			zap.String("recipient", observ.RedactEmail(ev.Email)),
		)
		return outcomeError
	}
	if resolution != ResolutionMatched {
		r.logger.Debug("event skipped",
			zap.String("event_type", ev.Type),
			zap.String("resolution", string(resolution)),
			zap.String("recipient", observ.RedactEmail(ev.Email)),
		)
		return outcomeSkipped
	}

	switch ev.Type {
	case EventDelivered:
		return r.applyStatus(ctx, id, ev, db.StatusDelivered, nil)

	case EventOpen:
		return r.applyOpen(ctx, id, ev)

	case EventBounce:
		reason := ev.Reason
		return r.applyStatus(ctx, id, ev, db.StatusBounced, &reason)

	case EventDropped:
		reason := ev.Reason
		return r.applyStatus(ctx, id, ev, db.StatusFailed, &reason)

	case EventProcessed, EventDeferred, EventSpamReport, EventUnsubscribe:
		// Observed but not part of the record's status machine. A processed
		// event in particular precedes every outcome, bounces included, so it
		// must never advance the status past sent.
		r.logger.Info("informational event",
			zap.String("event_type", ev.Type),
			zap.String("record_id", id.String()),
			zap.String("reason", ev.Reason),
		)
		return outcomeProcessed

	default:
		r.logger.Debug("unrecognized event type",
			zap.String("event_type", ev.Type),
		)
		return outcomeSkipped
	}
}

func (r *Receiver) applyStatus(ctx context.Context, id uuid.UUID, ev Event, status string, reason *string) string {
	applied, err := r.store.UpdateSendStatus(ctx, id, db.StatusPatch{
		Status:       status,
		ErrorMessage: reason,
	})
	if err != nil {
		r.logger.Error("status update failed",
			zap.Error(err),
			zap.String("record_id", id.String()),
			zap.String("status", status),
		)
		return outcomeError
	}

	if !applied {
		// Zero rows is either a replay against a record that already reached
		// this state or a later one, or an id this system never issued.
		if _, err := r.store.GetTrackingRecord(ctx, id); err != nil {
			if errors.Is(err, db.ErrRecordNotFound) {
				r.logger.Warn("status event for unknown record",
					zap.String("record_id", id.String()),
					zap.String("event_type", ev.Type),
				)
				return outcomeSkipped
			}
			r.logger.Error("record fetch failed", zap.Error(err), zap.String("record_id", id.String()))
			return outcomeError
		}
		r.logger.Debug("status update was a no-op",
			zap.String("record_id", id.String()),
			zap.String("status", status),
		)
		return outcomeProcessed
	}

	r.logger.Info("record status updated",
		zap.String("record_id", id.String()),
		zap.String("status", status),
		zap.String("event_type", ev.Type),
	)
	return outcomeProcessed
}

func (r *Receiver) applyOpen(ctx context.Context, id uuid.UUID, ev Event) string {
	rec, err := r.store.GetTrackingRecord(ctx, id)
	if errors.Is(err, db.ErrRecordNotFound) {
		// custom_args carried an id we never created.
		r.logger.Warn("open event for unknown record",
			zap.String("record_id", id.String()),
		)
		return outcomeSkipped
	}
	if err != nil {
		r.logger.Error("record fetch failed", zap.Error(err), zap.String("record_id", id.String()))
		return outcomeError
	}

	accepted, reason := r.classifier.Classify(OpenSignal{
		Timestamp:   ev.Time(),
		SentAt:      rec.SentAt,
		MachineOpen: ev.MachineOpen,
		UserAgent:   ev.UserAgent,
		IP:          ev.IP,
	})
	if !accepted {
		metrics.RecordOpenRejection(reason)
		// An open stamped before the send is corrupt data, not routine noise.
		if reason == RejectInvalidBeforeSend {
			r.logger.Error("open event predates send",
				zap.String("record_id", id.String()),
				zap.Time("event_time", ev.Time()),
				zap.Timep("sent_at", rec.SentAt),
			)
		} else {
			r.logger.Info("open rejected",
				zap.String("record_id", id.String()),
				zap.String("reason", reason),
			)
		}
		return outcomeRejected
	}

	if err := r.store.RecordOpen(ctx, id, ev.Time()); err != nil {
		r.logger.Error("record open failed", zap.Error(err), zap.String("record_id", id.String()))
		return outcomeError
	}

	r.logger.Info("open recorded",
		zap.String("record_id", id.String()),
		zap.Time("opened_at", ev.Time()),
	)
	return outcomeProcessed
}

package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcormack/mailtrack/internal/observ"
)

// CandidateWindow bounds the fallback lookup: an event without usable
// correlation keys only matches a record created this recently.
const CandidateWindow = 24 * time.Hour

// Resolution says how (or why not) an event was correlated to a record.
type Resolution string

const (
	ResolutionMatched          Resolution = "matched"
	ResolutionUnknownRecipient Resolution = "unknown_recipient"
	ResolutionForeignSender    Resolution = "foreign_sender"
	ResolutionUnresolved       Resolution = "unresolved"
)

// RecordLookup is the store surface the matcher needs.
type RecordLookup interface {
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	FindByEmailAndMessageID(ctx context.Context, email, messageID string) (uuid.UUID, bool, error)
	FindUniqueRecentCandidate(ctx context.Context, email string, window time.Duration) (uuid.UUID, bool, error)
}

// Matcher resolves inbound events to tracking record ids. Three strategies
// run in decreasing confidence: the explicit tracking id from custom_args,
// the (recipient, message id) pair, and finally a unique recent record for
// the recipient. It never picks among multiple candidates.
type Matcher struct {
	store       RecordLookup
	senderEmail string
	logger      *zap.Logger
}

// NewMatcher creates a matcher bound to the configured outbound sender.
func NewMatcher(store RecordLookup, senderEmail string, logger *zap.Logger) *Matcher {
	return &Matcher{
		store:       store,
		senderEmail: strings.ToLower(strings.TrimSpace(senderEmail)),
		logger:      logger,
	}
}

// Resolve maps one event to a record id. Gate failures and unresolved events
// are outcomes, not errors; the error return is reserved for store failures.
func (m *Matcher) Resolve(ctx context.Context, ev Event) (uuid.UUID, Resolution, error) {
	email := strings.TrimSpace(ev.Email)
	if email == "" {
		return uuid.Nil, ResolutionUnresolved, nil
	}

	// Gate: events that declare a sender must declare ours. Shared webhook
	// endpoints receive traffic for every sender on the account.
	if s := ev.CustomArgs.SenderEmail; s != "" && !strings.EqualFold(strings.TrimSpace(s), m.senderEmail) {
		return uuid.Nil, ResolutionForeignSender, nil
	}

	// Gate: drop events for addresses this system never sent to.
	known, err := m.store.ExistsByEmail(ctx, email)
	if err != nil {
		return uuid.Nil, ResolutionUnresolved, fmt.Errorf("recipient gate: %w", err)
	}
	if !known {
		return uuid.Nil, ResolutionUnknownRecipient, nil
	}

	// Strategy 1: explicit tracking id is authoritative.
	if raw := strings.TrimSpace(ev.CustomArgs.EmailTrackingID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			m.logger.Warn("malformed tracking id in custom args",
				zap.String("tracking_id", raw),
				zap.String("recipient", observ.RedactEmail(email)),
			)
			return uuid.Nil, ResolutionUnresolved, nil
		}
		return id, ResolutionMatched, nil
	}

	// Strategy 2: exact (recipient, message id), then the short form. Events
	// carry the provider's internal message id, which prefixes the short id
	// returned at send time with a routing-node identifier.
	if ev.SGMessageID != "" {
		id, ok, err := m.store.FindByEmailAndMessageID(ctx, email, ev.SGMessageID)
		if err != nil {
			return uuid.Nil, ResolutionUnresolved, fmt.Errorf("message id lookup: %w", err)
		}
		if ok {
			return id, ResolutionMatched, nil
		}

		if short := shortMessageID(ev.SGMessageID); short != ev.SGMessageID {
			id, ok, err = m.store.FindByEmailAndMessageID(ctx, email, short)
			if err != nil {
				return uuid.Nil, ResolutionUnresolved, fmt.Errorf("short message id lookup: %w", err)
			}
			if ok {
				return id, ResolutionMatched, nil
			}
		}
	}

	// Strategy 3: a single recent in-flight record for the recipient. Zero or
	// several candidates both leave the event unresolved.
	id, ok, err := m.store.FindUniqueRecentCandidate(ctx, email, CandidateWindow)
	if err != nil {
		return uuid.Nil, ResolutionUnresolved, fmt.Errorf("candidate lookup: %w", err)
	}
	if !ok {
		return uuid.Nil, ResolutionUnresolved, nil
	}

	return id, ResolutionMatched, nil
}

// shortMessageID strips the routing-node prefix from a long-form provider
// message id, keeping the last three hyphen-delimited segments.
func shortMessageID(messageID string) string {
	parts := strings.Split(messageID, "-")
	if len(parts) <= 3 {
		return messageID
	}
	return strings.Join(parts[len(parts)-3:], "-")
}

package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const testSender = "statements@example.com"

type fakeLookup struct {
	known       map[string]bool
	byMessageID map[string]uuid.UUID // "email|message_id"
	candidateID uuid.UUID
	candidateOK bool
	err         error
}

func (f *fakeLookup) ExistsByEmail(_ context.Context, email string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[email], nil
}

func (f *fakeLookup) FindByEmailAndMessageID(_ context.Context, email, messageID string) (uuid.UUID, bool, error) {
	if f.err != nil {
		return uuid.Nil, false, f.err
	}
	id, ok := f.byMessageID[email+"|"+messageID]
	return id, ok, nil
}

func (f *fakeLookup) FindUniqueRecentCandidate(_ context.Context, _ string, _ time.Duration) (uuid.UUID, bool, error) {
	if f.err != nil {
		return uuid.Nil, false, f.err
	}
	return f.candidateID, f.candidateOK, nil
}

func newTestMatcher(store RecordLookup) *Matcher {
	return NewMatcher(store, testSender, zap.NewNop())
}

func TestMatcher_EmptyEmailUnresolved(t *testing.T) {
	m := newTestMatcher(&fakeLookup{})

	_, res, err := m.Resolve(context.Background(), Event{Type: EventDelivered})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionUnresolved {
		t.Fatalf("resolution = %s, want unresolved", res)
	}
}

func TestMatcher_ForeignSenderGate(t *testing.T) {
	want := uuid.New()
	m := newTestMatcher(&fakeLookup{known: map[string]bool{"user@example.com": true}})

	_, res, err := m.Resolve(context.Background(), Event{
		Type:  EventDelivered,
		Email: "user@example.com",
		CustomArgs: CustomArgs{
			EmailTrackingID: want.String(),
			SenderEmail:     "other-system@example.com",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionForeignSender {
		t.Fatalf("resolution = %s, want foreign_sender", res)
	}
}

func TestMatcher_SenderGateCaseInsensitive(t *testing.T) {
	want := uuid.New()
	m := newTestMatcher(&fakeLookup{known: map[string]bool{"user@example.com": true}})

	id, res, err := m.Resolve(context.Background(), Event{
		Type:  EventDelivered,
		Email: "user@example.com",
		CustomArgs: CustomArgs{
			EmailTrackingID: want.String(),
			SenderEmail:     "Statements@Example.COM",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionMatched || id != want {
		t.Fatalf("got (%s, %s), want matched %s", id, res, want)
	}
}

func TestMatcher_UnknownRecipientGate(t *testing.T) {
	m := newTestMatcher(&fakeLookup{known: map[string]bool{}})

	_, res, err := m.Resolve(context.Background(), Event{
		Type:  EventOpen,
		Email: "stranger@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionUnknownRecipient {
		t.Fatalf("resolution = %s, want unknown_recipient", res)
	}
}

func TestMatcher_TrackingIDWinsOverOtherKeys(t *testing.T) {
	want := uuid.New()
	other := uuid.New()
	m := newTestMatcher(&fakeLookup{
		known:       map[string]bool{"user@example.com": true},
		byMessageID: map[string]uuid.UUID{"user@example.com|msg-1": other},
	})

	id, res, err := m.Resolve(context.Background(), Event{
		Type:        EventDelivered,
		Email:       "user@example.com",
		SGMessageID: "msg-1",
		CustomArgs:  CustomArgs{EmailTrackingID: want.String()},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionMatched || id != want {
		t.Fatalf("got (%s, %s), want the custom_args id %s", id, res, want)
	}
}

func TestMatcher_MalformedTrackingIDUnresolved(t *testing.T) {
	// A present-but-broken tracking id must not fall through to the weaker
	// strategies: the metadata is there, it just cannot be trusted.
	fallback := uuid.New()
	m := newTestMatcher(&fakeLookup{
		known:       map[string]bool{"user@example.com": true},
		candidateID: fallback,
		candidateOK: true,
	})

	_, res, err := m.Resolve(context.Background(), Event{
		Type:       EventDelivered,
		Email:      "user@example.com",
		CustomArgs: CustomArgs{EmailTrackingID: "not-a-uuid"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionUnresolved {
		t.Fatalf("resolution = %s, want unresolved", res)
	}
}

func TestMatcher_MessageIDExact(t *testing.T) {
	want := uuid.New()
	m := newTestMatcher(&fakeLookup{
		known:       map[string]bool{"user@example.com": true},
		byMessageID: map[string]uuid.UUID{"user@example.com|abc-def-ghi": want},
	})

	id, res, err := m.Resolve(context.Background(), Event{
		Type:        EventDelivered,
		Email:       "user@example.com",
		SGMessageID: "abc-def-ghi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionMatched || id != want {
		t.Fatalf("got (%s, %s), want matched %s", id, res, want)
	}
}

func TestMatcher_MessageIDShortFormRetry(t *testing.T) {
	// The store holds the short id returned at send time; the event carries
	// the long-form id with a routing-node prefix.
	want := uuid.New()
	m := newTestMatcher(&fakeLookup{
		known:       map[string]bool{"user@example.com": true},
		byMessageID: map[string]uuid.UUID{"user@example.com|abc-def-ghi": want},
	})

	id, res, err := m.Resolve(context.Background(), Event{
		Type:        EventDelivered,
		Email:       "user@example.com",
		SGMessageID: "filterdrecv-6f7bc-abc-def-ghi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionMatched || id != want {
		t.Fatalf("got (%s, %s), want matched %s", id, res, want)
	}
}

func TestMatcher_UniqueCandidateFallback(t *testing.T) {
	want := uuid.New()
	m := newTestMatcher(&fakeLookup{
		known:       map[string]bool{"user@example.com": true},
		candidateID: want,
		candidateOK: true,
	})

	id, res, err := m.Resolve(context.Background(), Event{
		Type:  EventOpen,
		Email: "user@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionMatched || id != want {
		t.Fatalf("got (%s, %s), want matched %s", id, res, want)
	}
}

func TestMatcher_AmbiguousCandidatesUnresolved(t *testing.T) {
	// candidateOK=false models both zero and multiple candidates; the store
	// only reports a match when exactly one exists.
	m := newTestMatcher(&fakeLookup{
		known:       map[string]bool{"user@example.com": true},
		candidateOK: false,
	})

	_, res, err := m.Resolve(context.Background(), Event{
		Type:  EventOpen,
		Email: "user@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResolutionUnresolved {
		t.Fatalf("resolution = %s, want unresolved", res)
	}
}

func TestMatcher_StoreErrorPropagates(t *testing.T) {
	m := newTestMatcher(&fakeLookup{err: errors.New("connection refused")})

	_, res, err := m.Resolve(context.Background(), Event{
		Type:  EventDelivered,
		Email: "user@example.com",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if res != ResolutionUnresolved {
		t.Fatalf("resolution = %s, want unresolved", res)
	}
}

func TestShortMessageID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"filterdrecv-6f7bc-abc-def-ghi", "abc-def-ghi"},
		{"abc-def-ghi", "abc-def-ghi"},
		{"abc-def", "abc-def"},
		{"nodashes", "nodashes"},
	}
	for _, tt := range tests {
		if got := shortMessageID(tt.in); got != tt.want {
			t.Errorf("shortMessageID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

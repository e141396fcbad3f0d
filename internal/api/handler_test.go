package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcormack/mailtrack/internal/codec"
	"github.com/jcormack/mailtrack/internal/db"
	"github.com/jcormack/mailtrack/internal/sender"
	"github.com/jcormack/mailtrack/internal/webhook"
)

type statusCall struct {
	id    uuid.UUID
	patch db.StatusPatch
}

type mockRepo struct {
	records   map[uuid.UUID]*db.EmailTrackingRecord
	created   []*db.EmailTrackingRecord
	patches   []statusCall
	createErr error
	listErr   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[uuid.UUID]*db.EmailTrackingRecord)}
}

func (m *mockRepo) CreateTrackingRecord(_ context.Context, rec *db.EmailTrackingRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, rec)
	m.records[rec.ID] = rec
	return nil
}

func (m *mockRepo) GetTrackingRecord(_ context.Context, id uuid.UUID) (*db.EmailTrackingRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, db.ErrRecordNotFound
	}
	return rec, nil
}

func (m *mockRepo) UpdateSendStatus(_ context.Context, id uuid.UUID, patch db.StatusPatch) (bool, error) {
	m.patches = append(m.patches, statusCall{id: id, patch: patch})
	rec, ok := m.records[id]
	if !ok {
		return false, nil
	}
	rec.Status = patch.Status
	if patch.SendGridMessageID != nil {
		rec.SendGridMessageID = patch.SendGridMessageID
	}
	if patch.SentAt != nil {
		rec.SentAt = patch.SentAt
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = patch.ErrorMessage
	}
	return true, nil
}

func (m *mockRepo) ListByEmail(_ context.Context, email string, _, _ int) ([]*db.EmailTrackingRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*db.EmailTrackingRecord
	for _, rec := range m.records {
		if strings.EqualFold(rec.RecipientEmail, email) {
			out = append(out, rec)
		}
	}
	return out, nil
}

type mockSender struct {
	messageID string
	err       error
	sent      []sender.Message
}

func (m *mockSender) Send(_ context.Context, msg sender.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return m.messageID, nil
}

type mockProcessor struct {
	summary webhook.Summary
	batches [][]webhook.Event
}

func (m *mockProcessor) ProcessBatch(_ context.Context, events []webhook.Event) webhook.Summary {
	m.batches = append(m.batches, events)
	return m.summary
}

type mockVerifier struct {
	err error
}

func (m *mockVerifier) Verify(_ []byte, _, _ string) error {
	return m.err
}

func newTestHandler(repo *mockRepo, ms *mockSender, proc *mockProcessor) *Handler {
	return NewHandler(zap.NewNop(), repo, ms, proc)
}

func TestReceiveWebhook_ProcessesBatch(t *testing.T) {
	proc := &mockProcessor{summary: webhook.Summary{Processed: 2, Skipped: 1}}
	h := newTestHandler(newMockRepo(), &mockSender{}, proc)

	body := `[{"event":"delivered","email":"a@b.com"},{"event":"open","email":"a@b.com"},{"event":"click","email":"a@b.com"}]`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.ReceiveWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp WebhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Processed != 2 || resp.Skipped != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if len(proc.batches) != 1 || len(proc.batches[0]) != 3 {
		t.Fatalf("processor saw %v", proc.batches)
	}
}

func TestReceiveWebhook_SignatureRejection(t *testing.T) {
	tests := []struct {
		name      string
		verifyErr error
	}{
		{"invalid signature", webhook.ErrSignatureInvalid},
		{"missing headers", webhook.ErrSignatureMissing},
		{"stale timestamp", webhook.ErrReplayWindowExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &mockProcessor{}
			h := newTestHandler(newMockRepo(), &mockSender{}, proc).
				WithVerifier(&mockVerifier{err: tt.verifyErr})

			req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader("[]"))
			rr := httptest.NewRecorder()

			h.ReceiveWebhook(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rr.Code)
			}
			if len(proc.batches) != 0 {
				t.Fatal("rejected batch must not reach the processor")
			}
		})
	}
}

func TestReceiveWebhook_MalformedBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"object instead of array", `{"event":"delivered"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &mockProcessor{}
			h := newTestHandler(newMockRepo(), &mockSender{}, proc)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()

			h.ReceiveWebhook(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rr.Code)
			}
			if len(proc.batches) != 0 {
				t.Fatal("malformed batch must not reach the processor")
			}
		})
	}
}

func TestSendEmail_HappyPath(t *testing.T) {
	repo := newMockRepo()
	ms := &mockSender{messageID: "abc-def-ghi"}
	h := newTestHandler(repo, ms, &mockProcessor{})

	body := `{"recipient_email":"user@example.com","email_type":"quarterly","subject":"Q1 statement","html_content":"<p>hi</p>"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/emails", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.SendEmail(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	if len(repo.created) != 1 {
		t.Fatalf("created %d records", len(repo.created))
	}
	rec := repo.created[0]

	if len(ms.sent) != 1 {
		t.Fatalf("sent %d messages", len(ms.sent))
	}
	if ms.sent[0].TrackingID != rec.ID.String() {
		t.Fatalf("tracking id %s not stamped on message (got %s)", rec.ID, ms.sent[0].TrackingID)
	}

	if len(repo.patches) != 1 {
		t.Fatalf("expected 1 status patch, got %d", len(repo.patches))
	}
	patch := repo.patches[0].patch
	if patch.Status != db.StatusSent {
		t.Fatalf("patch status = %s", patch.Status)
	}
	if patch.SendGridMessageID == nil || *patch.SendGridMessageID != "abc-def-ghi" {
		t.Fatalf("message id patch = %v", patch.SendGridMessageID)
	}
	if patch.SentAt == nil {
		t.Fatal("sent_at not patched")
	}

	var resp SendEmailResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != rec.ID.String() || resp.Status != db.StatusSent {
		t.Fatalf("response = %+v", resp)
	}
}

func TestSendEmail_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", "{"},
		{"missing recipient", `{"subject":"s","html_content":"h"}`},
		{"missing subject", `{"recipient_email":"a@b.com","html_content":"h"}`},
		{"missing html", `{"recipient_email":"a@b.com","subject":"s"}`},
		{"bad email type", `{"recipient_email":"a@b.com","subject":"s","html_content":"h","email_type":"newsletter"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepo()
			h := newTestHandler(repo, &mockSender{}, &mockProcessor{})

			req := httptest.NewRequest(http.MethodPost, "/v1/emails", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()

			h.SendEmail(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rr.Code)
			}
			if len(repo.created) != 0 {
				t.Fatal("invalid request must not create a record")
			}
		})
	}
}

func TestSendEmail_ProviderFailure(t *testing.T) {
	repo := newMockRepo()
	ms := &mockSender{err: errors.New("sendgrid error 503: upstream unavailable")}
	h := newTestHandler(repo, ms, &mockProcessor{})

	body := `{"recipient_email":"user@example.com","subject":"s","html_content":"h"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/emails", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.SendEmail(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}

	if len(repo.patches) != 1 {
		t.Fatalf("expected failure patch, got %d patches", len(repo.patches))
	}
	patch := repo.patches[0].patch
	if patch.Status != db.StatusFailed {
		t.Fatalf("patch status = %s", patch.Status)
	}
	if patch.ErrorMessage == nil || !strings.Contains(*patch.ErrorMessage, "503") {
		t.Fatalf("error message = %v", patch.ErrorMessage)
	}
}

func TestSendEmail_AccountEncryptedAtRest(t *testing.T) {
	key := strings.Repeat("ab", 32)
	c, err := codec.New(key)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	repo := newMockRepo()
	h := newTestHandler(repo, &mockSender{messageID: "m"}, &mockProcessor{}).WithCodec(c)

	body := `{"recipient_email":"user@example.com","recipient_account":"ACC-42","subject":"s","html_content":"h"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/emails", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.SendEmail(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}

	rec := repo.created[0]
	if rec.RecipientAccount == nil || !strings.HasPrefix(*rec.RecipientAccount, "DENC:") {
		t.Fatalf("stored account = %v, want deterministic ciphertext", rec.RecipientAccount)
	}
	if res := c.Decrypt(*rec.RecipientAccount); res.Value != "ACC-42" {
		t.Fatalf("roundtrip = %q", res.Value)
	}
}

func withChiParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetEmail(t *testing.T) {
	repo := newMockRepo()
	rec := &db.EmailTrackingRecord{
		ID:             uuid.New(),
		RecipientEmail: "user@example.com",
		EmailType:      db.EmailTypeQuarterly,
		Subject:        "s",
		Status:         db.StatusDelivered,
	}
	repo.records[rec.ID] = rec

	h := newTestHandler(repo, &mockSender{}, &mockProcessor{})

	t.Run("found", func(t *testing.T) {
		req := withChiParam(httptest.NewRequest(http.MethodGet, "/v1/emails/"+rec.ID.String(), nil), "id", rec.ID.String())
		rr := httptest.NewRecorder()

		h.GetEmail(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var got db.EmailTrackingRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.ID != rec.ID || got.Status != db.StatusDelivered {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("bad uuid", func(t *testing.T) {
		req := withChiParam(httptest.NewRequest(http.MethodGet, "/v1/emails/xyz", nil), "id", "xyz")
		rr := httptest.NewRecorder()

		h.GetEmail(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		other := uuid.NewString()
		req := withChiParam(httptest.NewRequest(http.MethodGet, "/v1/emails/"+other, nil), "id", other)
		rr := httptest.NewRecorder()

		h.GetEmail(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rr.Code)
		}
	})
}

func TestGetEmail_DecryptsAccountForDisplay(t *testing.T) {
	key := strings.Repeat("cd", 32)
	c, err := codec.New(key)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	enc, err := c.EncryptDeterministic("AC 99")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	repo := newMockRepo()
	rec := &db.EmailTrackingRecord{
		ID:               uuid.New(),
		RecipientEmail:   "user@example.com",
		RecipientAccount: &enc,
		EmailType:        db.EmailTypeOther,
		Subject:          "s",
		Status:           db.StatusSent,
	}
	repo.records[rec.ID] = rec

	h := newTestHandler(repo, &mockSender{}, &mockProcessor{}).WithCodec(c)

	req := withChiParam(httptest.NewRequest(http.MethodGet, "/v1/emails/"+rec.ID.String(), nil), "id", rec.ID.String())
	rr := httptest.NewRecorder()

	h.GetEmail(rr, req)

	var got db.EmailTrackingRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RecipientAccount == nil || *got.RecipientAccount != "AC99" {
		t.Fatalf("account = %v, want normalized plaintext", got.RecipientAccount)
	}
	// The stored record must stay encrypted.
	if !strings.HasPrefix(*rec.RecipientAccount, "DENC:") {
		t.Fatal("view must not mutate the stored record")
	}
}

func TestListEmails(t *testing.T) {
	repo := newMockRepo()
	for i := 0; i < 2; i++ {
		rec := &db.EmailTrackingRecord{
			ID:             uuid.New(),
			RecipientEmail: "user@example.com",
			EmailType:      db.EmailTypeQuarterly,
			Subject:        "s",
			Status:         db.StatusSent,
		}
		repo.records[rec.ID] = rec
	}

	h := newTestHandler(repo, &mockSender{}, &mockProcessor{})

	t.Run("missing email param", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/emails", nil)
		rr := httptest.NewRecorder()

		h.ListEmails(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})

	t.Run("lists records", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/emails?email=user@example.com", nil)
		rr := httptest.NewRecorder()

		h.ListEmails(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		var resp struct {
			Data  []json.RawMessage `json:"data"`
			Count int               `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != 2 || len(resp.Data) != 2 {
			t.Fatalf("count = %d, data = %d", resp.Count, len(resp.Data))
		}
	})
}

func TestReceiveWebhook_EmptyBatch(t *testing.T) {
	proc := &mockProcessor{}
	h := newTestHandler(newMockRepo(), &mockSender{}, proc)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", bytes.NewReader([]byte("[]")))
	rr := httptest.NewRecorder()

	h.ReceiveWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(proc.batches) != 1 || len(proc.batches[0]) != 0 {
		t.Fatalf("processor saw %v", proc.batches)
	}
}

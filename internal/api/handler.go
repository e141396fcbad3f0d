package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcormack/mailtrack/internal/codec"
	"github.com/jcormack/mailtrack/internal/db"
	"github.com/jcormack/mailtrack/internal/metrics"
	"github.com/jcormack/mailtrack/internal/observ"
	"github.com/jcormack/mailtrack/internal/redis"
	"github.com/jcormack/mailtrack/internal/sender"
	"github.com/jcormack/mailtrack/internal/webhook"
)

// maxWebhookBody caps the raw webhook payload. SendGrid batches events but
// stays well under this; anything larger is not a legitimate delivery.
const maxWebhookBody = 5 << 20 // 5 MB

// TrackingRepository defines the interface for tracking record database operations
type TrackingRepository interface {
	CreateTrackingRecord(ctx context.Context, rec *db.EmailTrackingRecord) error
	GetTrackingRecord(ctx context.Context, id uuid.UUID) (*db.EmailTrackingRecord, error)
	UpdateSendStatus(ctx context.Context, id uuid.UUID, patch db.StatusPatch) (bool, error)
	ListByEmail(ctx context.Context, email string, limit, offset int) ([]*db.EmailTrackingRecord, error)
}

// EmailSender dispatches one message and returns the provider message id.
type EmailSender interface {
	Send(ctx context.Context, msg sender.Message) (string, error)
}

// BatchProcessor applies a batch of webhook events to the tracking store.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, events []webhook.Event) webhook.Summary
}

// SignatureVerifier checks a webhook request signature. Nil means verification
// is disabled by configuration.
type SignatureVerifier interface {
	Verify(body []byte, signature, timestamp string) error
}

// SendEmailRequest represents the incoming request body for POST /v1/emails
type SendEmailRequest struct {
	RecipientEmail   string `json:"recipient_email"`
	RecipientAccount string `json:"recipient_account,omitempty"`
	RecipientName    string `json:"recipient_name,omitempty"`
	EmailType        string `json:"email_type,omitempty"`
	BatchID          string `json:"batch_id,omitempty"`
	Subject          string `json:"subject"`
	HTMLContent      string `json:"html_content"`
	TextContent      string `json:"text_content,omitempty"`
}

// SendEmailResponse is returned after a send attempt.
type SendEmailResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WebhookResponse acknowledges a processed event batch.
type WebhookResponse struct {
	Success bool `json:"success"`
	webhook.Summary
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        TrackingRepository
	sender      EmailSender
	receiver    BatchProcessor
	verifier    SignatureVerifier         // nil if verification disabled
	codec       *codec.Codec              // nil if no encryption key configured
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, repo TrackingRepository, emailSender EmailSender, receiver BatchProcessor) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		sender:   emailSender,
		receiver: receiver,
	}
}

// WithVerifier enables webhook signature verification.
func (h *Handler) WithVerifier(v SignatureVerifier) *Handler {
	h.verifier = v
	return h
}

// WithCodec enables account-number encryption at rest.
func (h *Handler) WithCodec(c *codec.Codec) *Handler {
	h.codec = c
	return h
}

// WithIdempotency enables Idempotency-Key support on the send endpoint.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// ReceiveWebhook handles POST /webhooks/sendgrid.
//
// The whole batch is rejected on an invalid signature, stale timestamp or
// malformed body. Past that point individual events never fail the request;
// the provider treats any non-2xx as a signal to redeliver the entire batch,
// which would double-apply the events that did succeed.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.RecordWebhookBatchRejected("body_too_large")
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Webhook payload too large", "")
			return
		}
		metrics.RecordWebhookBatchRejected("body_read_failed")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body", "")
		return
	}

	if h.verifier != nil {
		sig := r.Header.Get(webhook.SignatureHeader)
		ts := r.Header.Get(webhook.TimestampHeader)

		if err := h.verifier.Verify(body, sig, ts); err != nil {
			reason := "signature_invalid"
			if errors.Is(err, webhook.ErrReplayWindowExceeded) {
				reason = "stale_timestamp"
			} else if errors.Is(err, webhook.ErrSignatureMissing) {
				reason = "signature_missing"
			}
			metrics.RecordWebhookBatchRejected(reason)
			h.logger.Warn("webhook batch rejected",
				zap.String("reason", reason),
				zap.Error(err),
			)
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "Webhook signature verification failed", "")
			return
		}
	}

	var events []webhook.Event
	if err := json.Unmarshal(body, &events); err != nil {
		metrics.RecordWebhookBatchRejected("malformed_json")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Body must be a JSON array of events", err.Error())
		return
	}

	summary := h.receiver.ProcessBatch(ctx, events)

	h.logger.Info("webhook batch processed",
		zap.Int("events", len(events)),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(WebhookResponse{Success: true, Summary: summary})
}

// SendEmail handles POST /v1/emails.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req SendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.RecipientEmail == "" || req.Subject == "" || req.HTMLContent == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"recipient_email, subject, and html_content are required")
		return
	}

	if req.EmailType == "" {
		req.EmailType = db.EmailTypeOther
	}
	if !db.ValidEmailType(req.EmailType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email_type",
			"email_type must be one of: quarterly, no_play, play, pre_commitment, other")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(SendEmailResponse{ID: cached.TrackingRecordID, Status: db.StatusSent})
			return
		}
	}

	rec := &db.EmailTrackingRecord{
		ID:             uuid.New(),
		RecipientEmail: req.RecipientEmail,
		EmailType:      req.EmailType,
		Subject:        req.Subject,
		Status:         db.StatusPending,
	}
	if req.RecipientName != "" {
		rec.RecipientName = &req.RecipientName
	}
	if req.BatchID != "" {
		rec.BatchID = &req.BatchID
	}
	if req.RecipientAccount != "" {
		account := req.RecipientAccount
		// Deterministic ciphertext keeps equality search over accounts possible.
		if h.codec != nil {
			enc, err := h.codec.EncryptDeterministic(account)
			if err != nil {
				h.logger.Error("account encryption failed", zap.Error(err))
				h.writeError(w, http.StatusInternalServerError, "encryption_error", "Failed to protect account data", "")
				return
			}
			account = enc
		}
		rec.RecipientAccount = &account
	}

	if err := h.repo.CreateTrackingRecord(ctx, rec); err != nil {
		h.logger.Error("failed to create tracking record",
			zap.Error(err),
			zap.String("recipient", observ.RedactEmail(req.RecipientEmail)),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create tracking record", "")
		return
	}

	messageID, err := h.sender.Send(ctx, sender.Message{
		To:          req.RecipientEmail,
		Subject:     req.Subject,
		HTMLContent: req.HTMLContent,
		TextContent: req.TextContent,
		TrackingID:  rec.ID.String(),
	})
	if err != nil {
		errMsg := err.Error()
		if _, uerr := h.repo.UpdateSendStatus(ctx, rec.ID, db.StatusPatch{
			Status:       db.StatusFailed,
			ErrorMessage: &errMsg,
		}); uerr != nil {
			h.logger.Error("failed to record send failure", zap.Error(uerr), zap.String("record_id", rec.ID.String()))
		}
		metrics.RecordEmailSent("failed", req.EmailType)
		h.logger.Error("send failed",
			zap.Error(err),
			zap.String("record_id", rec.ID.String()),
			zap.String("recipient", observ.RedactEmail(req.RecipientEmail)),
		)
		h.writeError(w, http.StatusBadGateway, "provider_error", "Email dispatch failed", "")
		return
	}

	now := time.Now().UTC()
	patch := db.StatusPatch{Status: db.StatusSent, SentAt: &now}
	if messageID != "" {
		patch.SendGridMessageID = &messageID
	}
	if _, err := h.repo.UpdateSendStatus(ctx, rec.ID, patch); err != nil {
		// The email went out; surface the record anyway and let the sweeper
		// or a delivered event reconcile the status.
		h.logger.Error("failed to mark record sent", zap.Error(err), zap.String("record_id", rec.ID.String()))
	}
	metrics.RecordEmailSent("sent", req.EmailType)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			TrackingRecordID: rec.ID.String(),
			StatusCode:       http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("email sent",
		zap.String("record_id", rec.ID.String()),
		zap.String("recipient", observ.RedactEmail(req.RecipientEmail)),
		zap.String("email_type", req.EmailType),
		zap.String("message_id", messageID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SendEmailResponse{ID: rec.ID.String(), Status: db.StatusSent})
}

// GetEmail handles GET /v1/emails/{id}
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	recID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid record ID", "ID must be a valid UUID")
		return
	}

	rec, err := h.repo.GetTrackingRecord(ctx, recID)
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Tracking record not found", "")
			return
		}
		h.logger.Error("failed to get tracking record",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get tracking record", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.recordView(rec))
}

// ListEmails handles GET /v1/emails?email=xxx&limit=20&offset=0
func (h *Handler) ListEmails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := r.URL.Query().Get("email")
	if email == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing email", "email query parameter is required")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	records, err := h.repo.ListByEmail(ctx, email, limit, offset)
	if err != nil {
		h.logger.Error("failed to list tracking records",
			zap.Error(err),
			zap.String("recipient", observ.RedactEmail(email)),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list tracking records", "")
		return
	}

	views := make([]*db.EmailTrackingRecord, 0, len(records))
	for _, rec := range records {
		views = append(views, h.recordView(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   views,
		"limit":  limit,
		"offset": offset,
		"count":  len(views),
	})
}

// recordView returns a copy with the account number decrypted for operator
// display. Stored values may be ciphertext, legacy plaintext, or corrupt;
// NormalizeAccount handles all three.
func (h *Handler) recordView(rec *db.EmailTrackingRecord) *db.EmailTrackingRecord {
	if h.codec == nil || rec.RecipientAccount == nil {
		return rec
	}
	view := *rec
	account := h.codec.NormalizeAccount(*rec.RecipientAccount)
	view.RecipientAccount = &account
	return &view
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

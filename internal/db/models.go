package db

import (
	"time"

	"github.com/google/uuid"
)

// EmailTrackingRecord represents one outbound email attempt and the delivery
// lifecycle observed for it through provider webhook events.
type EmailTrackingRecord struct {
	ID                uuid.UUID  `json:"id"`
	RecipientEmail    string     `json:"recipient_email"`
	RecipientAccount  *string    `json:"recipient_account,omitempty"`
	RecipientName     *string    `json:"recipient_name,omitempty"`
	EmailType         string     `json:"email_type"`
	BatchID           *string    `json:"batch_id,omitempty"`
	Subject           string     `json:"subject"`
	SendGridMessageID *string    `json:"sendgrid_message_id,omitempty"`
	Status            string     `json:"status"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	LastOpenedAt      *time.Time `json:"last_opened_at,omitempty"`
	OpenCount         int        `json:"open_count"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Status constants. pending -> sent -> delivered is the success path;
// bounced and failed are terminal and reachable from pending or sent only.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusBounced   = "bounced"
	StatusFailed    = "failed"
)

// Email type constants
const (
	EmailTypeQuarterly     = "quarterly"
	EmailTypeNoPlay        = "no_play"
	EmailTypePlay          = "play"
	EmailTypePreCommitment = "pre_commitment"
	EmailTypeOther         = "other"
)

// ValidEmailType reports whether t is one of the known email types.
func ValidEmailType(t string) bool {
	switch t {
	case EmailTypeQuarterly, EmailTypeNoPlay, EmailTypePlay, EmailTypePreCommitment, EmailTypeOther:
		return true
	}
	return false
}

// StatusPatch is a partial update applied by the send path or by webhook
// events. Nil fields are left untouched.
type StatusPatch struct {
	Status            string
	SendGridMessageID *string
	SentAt            *time.Time
	ErrorMessage      *string
}

package webhook

import "time"

// Event types delivered by the SendGrid event webhook. Anything not listed
// here is skipped.
const (
	EventProcessed   = "processed"
	EventDelivered   = "delivered"
	EventOpen        = "open"
	EventBounce      = "bounce"
	EventDropped     = "dropped"
	EventDeferred    = "deferred"
	EventSpamReport  = "spamreport"
	EventUnsubscribe = "unsubscribe"
)

// CustomArgs carries the correlation metadata the send path attaches to every
// outbound message and SendGrid echoes back on each event.
type CustomArgs struct {
	EmailTrackingID string `json:"email_tracking_id"`
	SenderEmail     string `json:"sender_email"`
}

// Event is one element of the webhook's JSON array body.
type Event struct {
	Type        string     `json:"event"`
	Email       string     `json:"email"`
	Timestamp   int64      `json:"timestamp"` // epoch seconds
	SGEventID   string     `json:"sg_event_id"`
	SGMessageID string     `json:"sg_message_id"`
	CustomArgs  CustomArgs `json:"custom_args"`

	// Open events only
	MachineOpen bool   `json:"sg_machine_open"`
	UserAgent   string `json:"useragent"`
	IP          string `json:"ip"`

	// Bounce/dropped/deferred events only
	Reason string `json:"reason"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// Package notify delivers broadcast offers and their invalidations to
// helpers, and status changes to customers. Realtime delivery goes through
// the in-process Hub; durable delivery goes through the outbox and Relay.
package notify

import "time"

// Status is the lifecycle of one broadcast_notifications row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

// Outstanding reports whether the helper may still act on the offer.
func (s Status) Outstanding() bool {
	return s == StatusPending || s == StatusSent
}

// Notification mirrors a broadcast_notifications row.
type Notification struct {
	ID          string
	RequestID   string
	HelperID    string
	DistanceKm  float64
	Status      Status
	SentAt      *time.Time
	RespondedAt *time.Time
	CreatedAt   time.Time
}

// Target is one helper selected by the scheduler.
type Target struct {
	HelperID   string
	DistanceKm float64
}

// Offer is a notification joined with the request it advertises, as listed
// to a helper.
type Offer struct {
	RequestID      string
	CategoryID     string
	Description    string
	Address        string
	Lat            float64
	Lng            float64
	EstimatedPrice int64
	Urgency        string
	DistanceKm     float64
	Status         Status
	SentAt         *time.Time
	ExpiresAt      *time.Time
	Seen           bool
}

type EventType string

const (
	EventOffer    EventType = "offer"
	EventDismiss  EventType = "dismiss"
	EventAccepted EventType = "accepted"
	EventStatus   EventType = "status"
)

// Event is what subscribers receive. Fields are optional apart from Type,
// RequestID and At; consumers must treat absent fields as unknown.
type Event struct {
	Type             EventType `json:"type"`
	RequestID        string    `json:"requestId"`
	HelperID         string    `json:"helperId,omitempty"`
	Status           string    `json:"status,omitempty"`
	BroadcastStatus  string    `json:"broadcastStatus,omitempty"`
	AssignedHelperID string    `json:"assignedHelperId,omitempty"`
	DistanceKm       float64   `json:"distanceKm,omitempty"`
	At               time.Time `json:"at"`
}

// Outbox topics.
const (
	TopicOffer          = "helper.offer"
	TopicDismiss        = "helper.dismiss"
	TopicRequestUpdated = "request.updated"
)

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID          string
	Topic       string
	RecipientID string
	Payload     []byte
	Status      string
	Attempts    int
	CreatedAt   time.Time
}

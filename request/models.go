// Package request owns the service request record, its status vocabulary and
// the error taxonomy shared by the dispatch components.
package request

import (
	"time"

	"helpdispatch/geo"
)

// Status is the coarse, customer-facing lifecycle of a request.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// BroadcastStatus is the fine-grained dispatch state driven by the broadcast
// scheduler, the arbiter and the job state machine.
type BroadcastStatus string

const (
	BroadcastPending      BroadcastStatus = "pending"
	BroadcastBroadcasting BroadcastStatus = "broadcasting"
	BroadcastAccepted     BroadcastStatus = "accepted"
	BroadcastOnWay        BroadcastStatus = "on_way"
	BroadcastArrived      BroadcastStatus = "arrived"
	BroadcastInProgress   BroadcastStatus = "in_progress"
	BroadcastCompleted    BroadcastStatus = "completed"
	BroadcastCancelled    BroadcastStatus = "cancelled"
	BroadcastExpired      BroadcastStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (b BroadcastStatus) Terminal() bool {
	switch b {
	case BroadcastCompleted, BroadcastCancelled, BroadcastExpired:
		return true
	}
	return false
}

// Assigned reports whether a helper must be attached in this state.
func (b BroadcastStatus) Assigned() bool {
	switch b {
	case BroadcastAccepted, BroadcastOnWay, BroadcastArrived, BroadcastInProgress, BroadcastCompleted:
		return true
	}
	return false
}

// Status derives the coarse status stored alongside the broadcast status.
func (b BroadcastStatus) Status() Status {
	switch b {
	case BroadcastAccepted, BroadcastOnWay, BroadcastArrived:
		return StatusAssigned
	case BroadcastInProgress:
		return StatusInProgress
	case BroadcastCompleted:
		return StatusCompleted
	case BroadcastCancelled, BroadcastExpired:
		return StatusCancelled
	default:
		return StatusOpen
	}
}

func (b BroadcastStatus) Valid() bool {
	switch b {
	case BroadcastPending, BroadcastBroadcasting, BroadcastAccepted, BroadcastOnWay, BroadcastArrived,
		BroadcastInProgress, BroadcastCompleted, BroadcastCancelled, BroadcastExpired:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentOnline PaymentMethod = "online"
)

type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// ServiceRequest mirrors the service_requests row.
type ServiceRequest struct {
	ID                 string
	CustomerID         string
	CategoryID         string
	Description        string
	MediaRefs          []string
	Location           geo.Point
	Address            string
	EstimatedPrice     int64
	PaymentMethod      PaymentMethod
	Urgency            Urgency
	Status             Status
	BroadcastStatus    BroadcastStatus
	AssignedHelperID   string
	StartOTP           string
	EndOTP             string
	BroadcastExpiresAt *time.Time
	HelperAcceptedAt   *time.Time
	HelperLocation     *geo.Point
	WorkStartedAt      *time.Time
	WorkCompletedAt    *time.Time
	CancelledAt        *time.Time
	CancelReason       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// VisibleTo returns a copy with the one-time codes cleared unless the viewer
// is the customer who owns the request or the helper assigned to it.
func (r ServiceRequest) VisibleTo(userID, helperID string) ServiceRequest {
	if userID != "" && userID == r.CustomerID {
		return r
	}
	if helperID != "" && helperID == r.AssignedHelperID {
		return r
	}
	r.StartOTP = ""
	r.EndOTP = ""
	return r
}

// StatusView is the lightweight projection served to polling clients.
type StatusView struct {
	RequestID        string
	Status           Status
	BroadcastStatus  BroadcastStatus
	AssignedHelperID string
	UpdatedAt        time.Time
}

func (r ServiceRequest) StatusView() StatusView {
	return StatusView{
		RequestID:        r.ID,
		Status:           r.Status,
		BroadcastStatus:  r.BroadcastStatus,
		AssignedHelperID: r.AssignedHelperID,
		UpdatedAt:        r.UpdatedAt,
	}
}

// CreateParams enumerates the caller-supplied fields of a new request.
type CreateParams struct {
	CustomerID     string
	CategoryID     string
	Description    string
	MediaRefs      []string
	Location       geo.Point
	Address        string
	EstimatedPrice int64
	PaymentMethod  PaymentMethod
	Urgency        Urgency
}

// Event types appended to dispatch_events.
const (
	EventCreated         = "request.created"
	EventBroadcast       = "request.broadcast"
	EventAccepted        = "request.accepted"
	EventStatusChanged   = "request.status_changed"
	EventWorkStarted     = "request.work_started"
	EventCompleted       = "request.completed"
	EventCancelled       = "request.cancelled"
	EventExpired         = "request.expired"
	EventHelperWithdrawn = "request.helper_withdrawn"
	EventSiblingsExpired = "request.siblings_expired"
)

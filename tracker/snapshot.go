// Package tracker keeps a client's view of one request consistent when
// updates arrive both as pushed events and as polled reads, in any order and
// possibly more than once.
package tracker

import (
	"time"

	"helpdispatch/geo"
	"helpdispatch/notify"
	"helpdispatch/request"
)

// Field is an optional value in a Patch. Present distinguishes "not sent"
// from a zero value.
type Field[T any] struct {
	Value   T
	Present bool
}

func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Present: true}
}

// Or returns the value when present and def otherwise.
func (f Field[T]) Or(def T) T {
	if f.Present {
		return f.Value
	}
	return def
}

// Snapshot is the client's current belief about a request.
type Snapshot struct {
	RequestID        string
	Status           request.Status
	BroadcastStatus  request.BroadcastStatus
	AssignedHelperID string
	HelperLocation   *geo.Point
	UpdatedAt        time.Time
}

func (s Snapshot) Terminal() bool {
	return s.BroadcastStatus.Terminal()
}

// Patch is a partial update. At orders patches; a zero At is applied
// regardless of age.
type Patch struct {
	RequestID        string
	At               time.Time
	Status           Field[request.Status]
	BroadcastStatus  Field[request.BroadcastStatus]
	AssignedHelperID Field[string]
	HelperLocation   Field[geo.Point]
}

// Merge returns s with every present field of p applied.
func (s Snapshot) Merge(p Patch) Snapshot {
	s.Status = p.Status.Or(s.Status)
	s.BroadcastStatus = p.BroadcastStatus.Or(s.BroadcastStatus)
	s.AssignedHelperID = p.AssignedHelperID.Or(s.AssignedHelperID)
	if p.HelperLocation.Present {
		loc := p.HelperLocation.Value
		s.HelperLocation = &loc
	}
	if p.At.After(s.UpdatedAt) {
		s.UpdatedAt = p.At
	}
	return s
}

// PatchFromEvent converts a pushed event. Empty strings are treated as
// absent, except that a status event always carries the assignment.
func PatchFromEvent(ev notify.Event) Patch {
	p := Patch{RequestID: ev.RequestID, At: ev.At}
	if ev.Status != "" {
		p.Status = Some(request.Status(ev.Status))
	}
	if ev.BroadcastStatus != "" {
		p.BroadcastStatus = Some(request.BroadcastStatus(ev.BroadcastStatus))
	}
	switch {
	case ev.AssignedHelperID != "":
		p.AssignedHelperID = Some(ev.AssignedHelperID)
	case ev.Type == notify.EventStatus && ev.BroadcastStatus != "":
		p.AssignedHelperID = Some("")
	}
	return p
}

// PatchFromRequest converts an authoritative read; every field is present.
func PatchFromRequest(r request.ServiceRequest) Patch {
	p := Patch{
		RequestID:        r.ID,
		At:               r.UpdatedAt,
		Status:           Some(r.Status),
		BroadcastStatus:  Some(r.BroadcastStatus),
		AssignedHelperID: Some(r.AssignedHelperID),
	}
	if r.HelperLocation != nil {
		p.HelperLocation = Some(*r.HelperLocation)
	}
	return p
}

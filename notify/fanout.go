package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"helpdispatch/db"
)

// Fanout pairs every realtime signal with a durable outbox message.
// Realtime delivery happens only after the storage change commits.
type Fanout struct {
	pool        db.Pool
	repo        *Repository
	hub         *Hub
	idGenerator func() string
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewFanout(pool db.Pool, hub *Hub) *Fanout {
	return &Fanout{
		pool:        pool,
		repo:        NewRepository(),
		hub:         hub,
		idGenerator: uuid.NewString,
		now:         time.Now,
		log:         logrus.WithField("prefix", "notify"),
	}
}

func (f *Fanout) WithClock(now func() time.Time) *Fanout {
	f.now = now
	return f
}

func (f *Fanout) WithIDGenerator(gen func() string) *Fanout {
	f.idGenerator = gen
	return f
}

func (f *Fanout) WithLogger(log logrus.FieldLogger) *Fanout {
	f.log = log
	return f
}

func (f *Fanout) Hub() *Hub { return f.hub }

// Publish delivers offers for freshly inserted notifications. Outbox
// messages and the pending→sent transition commit together; rows that stay
// pending after a failure are picked up again by the sweeper.
func (f *Fanout) Publish(ctx context.Context, requestID string, notes []Notification) (int, error) {
	if len(notes) == 0 {
		return 0, nil
	}
	at := f.now().UTC()

	events := make([]Event, len(notes))
	msgs := make([]OutboxMessage, len(notes))
	ids := make([]string, len(notes))
	for i, n := range notes {
		events[i] = Event{
			Type:       EventOffer,
			RequestID:  requestID,
			HelperID:   n.HelperID,
			DistanceKm: n.DistanceKm,
			At:         at,
		}
		msg, err := f.message(TopicOffer, n.HelperID, events[i])
		if err != nil {
			return 0, err
		}
		msgs[i] = msg
		ids[i] = n.ID
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := f.repo.Enqueue(ctx, tx, msgs); err != nil {
		return 0, err
	}
	sent, err := f.repo.MarkSent(ctx, tx, ids, at)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit: %w", err)
	}

	for _, ev := range events {
		f.hub.Publish(HelperTopic(ev.HelperID), ev)
	}
	f.log.WithFields(logrus.Fields{"request_id": requestID, "offers": len(notes), "sent": sent}).Debug("offers published")
	return int(sent), nil
}

// ExpireTx expires the outstanding siblings of exceptHelperID and queues a
// dismissal for each of them on q. The returned helpers should be passed to
// Dismiss once q commits.
func (f *Fanout) ExpireTx(ctx context.Context, q db.Querier, requestID, exceptHelperID string) ([]string, error) {
	at := f.now().UTC()
	helpers, err := f.repo.ExpireOutstanding(ctx, q, requestID, exceptHelperID, at)
	if err != nil || len(helpers) == 0 {
		return helpers, err
	}

	msgs := make([]OutboxMessage, 0, len(helpers))
	for _, h := range helpers {
		msg, err := f.message(TopicDismiss, h, Event{Type: EventDismiss, RequestID: requestID, HelperID: h, At: at})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := f.repo.Enqueue(ctx, q, msgs); err != nil {
		return nil, err
	}
	return helpers, nil
}

// Dismiss tells helpers in realtime that an offer is gone.
func (f *Fanout) Dismiss(requestID string, helperIDs []string) {
	at := f.now().UTC()
	for _, h := range helperIDs {
		f.hub.Publish(HelperTopic(h), Event{Type: EventDismiss, RequestID: requestID, HelperID: h, At: at})
	}
}

// Invalidate expires every outstanding offer of the request except the one
// held by exceptHelperID and dismisses them. Calling it again is a no-op.
func (f *Fanout) Invalidate(ctx context.Context, requestID, exceptHelperID string) ([]string, error) {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	helpers, err := f.ExpireTx(ctx, tx, requestID, exceptHelperID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("notify: commit: %w", err)
	}

	f.Dismiss(requestID, helpers)
	if len(helpers) > 0 {
		f.log.WithFields(logrus.Fields{"request_id": requestID, "expired": len(helpers)}).Debug("siblings invalidated")
	}
	return helpers, nil
}

// EnqueueTx queues ev for recipientID on q.
func (f *Fanout) EnqueueTx(ctx context.Context, q db.Querier, topic, recipientID string, ev Event) error {
	return f.repo.EnqueueEvent(ctx, q, f.idGenerator(), topic, recipientID, ev)
}

// Announce publishes a request-level event to the request topic and, when
// the event names a helper, to that helper's topic.
func (f *Fanout) Announce(ev Event) {
	if ev.At.IsZero() {
		ev.At = f.now().UTC()
	}
	f.hub.Publish(RequestTopic(ev.RequestID), ev)
	if ev.HelperID != "" {
		f.hub.Publish(HelperTopic(ev.HelperID), ev)
	}
}

// Decline is best effort: failures are logged and never surfaced.
func (f *Fanout) Decline(ctx context.Context, requestID, helperID string) {
	changed, err := f.repo.Decline(ctx, f.pool, requestID, helperID, f.now().UTC())
	if err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{"request_id": requestID, "helper_id": helperID}).Warn("decline not recorded")
		return
	}
	if changed {
		f.log.WithFields(logrus.Fields{"request_id": requestID, "helper_id": helperID}).Debug("offer declined")
	}
}

func (f *Fanout) MarkSeen(ctx context.Context, helperID, requestID string) error {
	return f.repo.MarkSeen(ctx, f.pool, helperID, requestID, f.now().UTC())
}

func (f *Fanout) Seen(ctx context.Context, helperID, requestID string) (bool, error) {
	return f.repo.Seen(ctx, f.pool, helperID, requestID)
}

func (f *Fanout) ListOffers(ctx context.Context, helperID string, unseenOnly bool) ([]Offer, error) {
	return f.repo.ListOffers(ctx, f.pool, helperID, unseenOnly)
}

func (f *Fanout) message(topic, recipientID string, ev Event) (OutboxMessage, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("notify: marshal event: %w", err)
	}
	return OutboxMessage{
		ID:          f.idGenerator(),
		Topic:       topic,
		RecipientID: recipientID,
		Payload:     payload,
	}, nil
}

package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdispatch/test/infra"
)

func seedOffers(t *testing.T, f *Fanout, requestID string, helpers ...string) []Notification {
	t.Helper()
	targets := make([]Target, len(helpers))
	for i, h := range helpers {
		targets[i] = Target{HelperID: h, DistanceKm: float64(i + 1)}
	}
	notes, err := f.repo.InsertBatch(context.Background(), f.pool, requestID, targets, time.Now())
	require.NoError(t, err)
	return notes
}

func TestInsertBatchSkipsExistingRows(t *testing.T) {
	pool := infra.ForTest(t)
	f := NewFanout(pool, NewHub(8))
	h1 := infra.SeedHelper(t, pool, infra.HelperSeed{})
	h2 := infra.SeedHelper(t, pool, infra.HelperSeed{})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting"})

	first := seedOffers(t, f, req, h1)
	require.Len(t, first, 1)
	second := seedOffers(t, f, req, h1, h2)
	require.Len(t, second, 1)
	assert.Equal(t, h2, second[0].HelperID)

	n, err := f.repo.CountOutstanding(context.Background(), pool, req)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPublishMarksSentAndSignalsHelpers(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	hub := NewHub(8)
	f := NewFanout(pool, hub)
	h1 := infra.SeedHelper(t, pool, infra.HelperSeed{})
	h2 := infra.SeedHelper(t, pool, infra.HelperSeed{})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting"})

	sub := hub.Subscribe(HelperTopic(h1))
	defer sub.Close()

	notes := seedOffers(t, f, req, h1, h2)
	sent, err := f.Publish(ctx, req, notes)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	select {
	case ev := <-sub.C():
		assert.Equal(t, EventOffer, ev.Type)
		assert.Equal(t, req, ev.RequestID)
	default:
		t.Fatalf("expected an offer on the helper topic")
	}

	rows, err := f.repo.ListForRequest(ctx, pool, req)
	require.NoError(t, err)
	for _, n := range rows {
		assert.Equal(t, StatusSent, n.Status)
		assert.NotNil(t, n.SentAt)
	}

	var queued int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE topic = $1`, TopicOffer).Scan(&queued))
	assert.Equal(t, 2, queued)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	hub := NewHub(8)
	f := NewFanout(pool, hub)
	winner := infra.SeedHelper(t, pool, infra.HelperSeed{})
	loser := infra.SeedHelper(t, pool, infra.HelperSeed{})
	req := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting"})
	seedOffers(t, f, req, winner, loser)

	sub := hub.Subscribe(HelperTopic(loser))
	defer sub.Close()

	expired, err := f.Invalidate(ctx, req, winner)
	require.NoError(t, err)
	assert.Equal(t, []string{loser}, expired)

	again, err := f.Invalidate(ctx, req, winner)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.Len(t, sub.C(), 1)
	assert.Equal(t, EventDismiss, (<-sub.C()).Type)

	n, err := f.repo.CountOutstanding(ctx, pool, req)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the winner's row stays outstanding until marked accepted")
}

func TestOffersSeenAndDecline(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	f := NewFanout(pool, NewHub(8))
	h := infra.SeedHelper(t, pool, infra.HelperSeed{})
	r1 := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting"})
	r2 := infra.SeedRequest(t, pool, infra.RequestSeed{BroadcastStatus: "broadcasting"})
	seedOffers(t, f, r1, h)
	seedOffers(t, f, r2, h)

	offers, err := f.ListOffers(ctx, h, false)
	require.NoError(t, err)
	assert.Len(t, offers, 2)

	require.NoError(t, f.MarkSeen(ctx, h, r1))
	require.NoError(t, f.MarkSeen(ctx, h, r1))
	seen, err := f.Seen(ctx, h, r1)
	require.NoError(t, err)
	assert.True(t, seen)

	unseen, err := f.ListOffers(ctx, h, true)
	require.NoError(t, err)
	require.Len(t, unseen, 1)
	assert.Equal(t, r2, unseen[0].RequestID)

	f.Decline(ctx, r2, h)
	f.Decline(ctx, r2, h)
	offers, err = f.ListOffers(ctx, h, false)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, r1, offers[0].RequestID)
}

type flakyPusher struct {
	calls atomic.Int32
	fail  bool
}

func (p *flakyPusher) Push(context.Context, OutboxMessage) error {
	p.calls.Add(1)
	if p.fail {
		return errors.New("gateway down")
	}
	return nil
}

func TestRelayDeliversAndDeadLetters(t *testing.T) {
	pool := infra.ForTest(t)
	ctx := context.Background()
	f := NewFanout(pool, NewHub(1))

	require.NoError(t, f.EnqueueTx(ctx, pool, TopicRequestUpdated, "c1", Event{Type: EventStatus, RequestID: "r"}))

	failing := &flakyPusher{fail: true}
	relay := NewRelay(pool, failing).WithMaxAttempts(2)
	for i := 0; i < 3; i++ {
		n, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	assert.Equal(t, int32(2), failing.calls.Load())

	var status string
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM outbox WHERE recipient_id = 'c1'`).Scan(&status))
	assert.Equal(t, "dead", status)

	require.NoError(t, f.EnqueueTx(ctx, pool, TopicRequestUpdated, "c2", Event{Type: EventStatus, RequestID: "r"}))
	ok := &flakyPusher{}
	n, err := NewRelay(pool, ok).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM outbox WHERE recipient_id = 'c2'`).Scan(&status))
	assert.Equal(t, "processed", status)
}

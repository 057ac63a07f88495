// Package actors drives the dispatch services concurrently for the stress
// test. Actors tolerate every error: storage faults are expected under
// chaos, and correctness is judged by the oracles, not by the actors.
package actors

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"helpdispatch/arbiter"
	"helpdispatch/broadcast"
	"helpdispatch/cache"
	"helpdispatch/geo"
	"helpdispatch/helper"
	"helpdispatch/job"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/sweeper"
)

// Stats counts actor outcomes for the test log.
type Stats struct {
	Created    atomic.Int64
	Broadcasts atomic.Int64
	Won        atomic.Int64
	Lost       atomic.Int64
	Declined   atomic.Int64
	Completed  atomic.Int64
	Cancelled  atomic.Int64
	Withdrawn  atomic.Int64
	BadOTP     atomic.Int64
	Errors     atomic.Int64
}

func (s *Stats) Fields() logrus.Fields {
	return logrus.Fields{
		"created":    s.Created.Load(),
		"broadcasts": s.Broadcasts.Load(),
		"won":        s.Won.Load(),
		"lost":       s.Lost.Load(),
		"declined":   s.Declined.Load(),
		"completed":  s.Completed.Load(),
		"cancelled":  s.Cancelled.Load(),
		"withdrawn":  s.Withdrawn.Load(),
		"bad_otp":    s.BadOTP.Load(),
		"errors":     s.Errors.Load(),
	}
}

// System is the full dispatch stack on one pool.
type System struct {
	Pool      *pgxpool.Pool
	Requests  *request.Service
	Scheduler *broadcast.Scheduler
	Arbiter   *arbiter.Service
	Jobs      *job.Machine
	Fanout    *notify.Fanout
	Sweeper   *sweeper.Sweeper
	Relay     *notify.Relay
	helpers   *helper.Repository
}

// NewSystem wires the services the way cmd/api does, with short timings.
func NewSystem(pool *pgxpool.Pool, pusher notify.Pusher, log logrus.FieldLogger) *System {
	hub := notify.NewHub(notify.DefaultSubscriberBuffer)
	fanout := notify.NewFanout(pool, hub).WithLogger(log)
	store := cache.NewMemory()

	scheduler := broadcast.NewScheduler(pool, geo.NewPGIndex(pool, time.Hour), fanout, broadcast.Config{
		RadiusKm:      25,
		MaxCandidates: 6,
		TTL:           20 * time.Second,
	}).WithLogger(log)
	claims := arbiter.NewPGStore(pool, fanout)
	machine := job.NewMachine(pool, fanout, job.NewAttemptGuard(store, 3, time.Minute)).
		WithRebroadcaster(scheduler).
		WithLogger(log)

	return &System{
		Pool:      pool,
		Requests:  request.NewService(pool).WithLogger(log),
		Scheduler: scheduler,
		Arbiter:   arbiter.NewService(claims, fanout).WithLogger(log),
		Jobs:      machine,
		Fanout:    fanout,
		Sweeper: sweeper.New(pool, machine, claims, fanout, sweeper.Config{
			SiblingGrace:   2 * time.Second,
			RepublishAfter: 2 * time.Second,
		}).WithCacheSweep(store.Sweep).WithLogger(log),
		Relay:   notify.NewRelay(pool, pusher).WithMaxAttempts(3).WithLogger(log),
		helpers: helper.NewRepository(),
	}
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// record counts an outcome. Business rejections are part of the game.
func record(stats *Stats, err error) {
	switch {
	case err == nil:
	case errors.Is(err, request.ErrAlreadyTaken):
		stats.Lost.Add(1)
	case errors.Is(err, request.ErrInvalidOTP), errors.Is(err, request.ErrOTPLocked):
		stats.BadOTP.Add(1)
	case errors.Is(err, request.ErrTerminalState), errors.Is(err, request.ErrStaleState),
		errors.Is(err, request.ErrHelperBusy), errors.Is(err, request.ErrNotFound),
		errors.Is(err, request.ErrForbidden):
	default:
		stats.Errors.Add(1)
	}
}

// Customer creates requests around origin, broadcasts them and now and then
// cancels one of its own.
func Customer(ctx context.Context, sys *System, customerID string, origin geo.Point, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	var mine []string
	for !stopped(ctx, stop) {
		created, err := sys.Requests.Create(ctx, request.CreateParams{
			CustomerID:     customerID,
			CategoryID:     "plumbing",
			Location:       geo.Point{Lat: origin.Lat + (rng.Float64()-0.5)/50, Lng: origin.Lng + (rng.Float64()-0.5)/50},
			EstimatedPrice: int64(500 + rng.Intn(5000)),
		})
		record(stats, err)
		if err == nil {
			stats.Created.Add(1)
			mine = append(mine, created.ID)
			_, err = sys.Scheduler.Broadcast(ctx, created.ID)
			record(stats, err)
			if err == nil {
				stats.Broadcasts.Add(1)
			}
		}

		if len(mine) > 0 && rng.Intn(6) == 0 {
			victim := mine[rng.Intn(len(mine))]
			_, err := sys.Jobs.Cancel(ctx, job.CancelParams{RequestID: victim, ActorID: customerID, Reason: "stress"})
			record(stats, err)
			if err == nil {
				stats.Cancelled.Add(1)
			}
		}
		if len(mine) > 50 {
			mine = mine[len(mine)-50:]
		}
		pause(rng, 150, 250)
	}
	return nil
}

// Helper races for offers and drives won jobs to completion one step per
// loop, occasionally declining, withdrawing or fumbling a code.
func Helper(ctx context.Context, sys *System, helperID string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		active, err := sys.helpers.ActiveRequestID(ctx, sys.Pool, helperID)
		if err != nil {
			record(stats, err)
			pause(rng, 50, 50)
			continue
		}
		if active != "" {
			step(ctx, sys, helperID, active, rng, stats)
			pause(rng, 20, 60)
			continue
		}

		offers, err := sys.Fanout.ListOffers(ctx, helperID, false)
		record(stats, err)
		if err == nil && len(offers) > 0 {
			offer := offers[rng.Intn(len(offers))]
			if rng.Intn(5) == 0 {
				sys.Fanout.Decline(ctx, offer.RequestID, helperID)
				stats.Declined.Add(1)
			} else {
				_, err := sys.Arbiter.Accept(ctx, arbiter.AcceptParams{RequestID: offer.RequestID, HelperID: helperID})
				record(stats, err)
				if err == nil {
					stats.Won.Add(1)
				}
			}
		}
		pause(rng, 20, 80)
	}
	return nil
}

func step(ctx context.Context, sys *System, helperID, requestID string, rng *rand.Rand, stats *Stats) {
	req, err := sys.Requests.Get(ctx, requestID)
	if err != nil {
		record(stats, err)
		return
	}

	switch req.BroadcastStatus {
	case request.BroadcastAccepted:
		if rng.Intn(10) == 0 {
			_, err = sys.Jobs.Withdraw(ctx, requestID, helperID)
			if err == nil {
				stats.Withdrawn.Add(1)
			}
			break
		}
		_, err = sys.Jobs.Advance(ctx, requestID, helperID, request.BroadcastOnWay)
	case request.BroadcastOnWay:
		_, err = sys.Jobs.Advance(ctx, requestID, helperID, request.BroadcastArrived)
	case request.BroadcastArrived:
		code := req.StartOTP
		if rng.Intn(8) == 0 {
			code = "000000"
		}
		_, err = sys.Jobs.VerifyStart(ctx, requestID, helperID, code)
	case request.BroadcastInProgress:
		_, err = sys.Jobs.VerifyEnd(ctx, requestID, helperID, req.EndOTP)
		if err == nil {
			stats.Completed.Add(1)
		}
	}
	record(stats, err)
}

// Sweeper runs sweep passes back to back with a short pause.
func Sweeper(ctx context.Context, sys *System, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := sys.Sweeper.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			stats.Errors.Add(1)
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// Relay drains the outbox.
func Relay(ctx context.Context, sys *System, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := sys.Relay.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			stats.Errors.Add(1)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

// FlakyPusher fails roughly one push in n.
type FlakyPusher struct {
	N    int
	seen atomic.Int64
}

func (p *FlakyPusher) Push(_ context.Context, _ notify.OutboxMessage) error {
	if p.N > 0 && p.seen.Add(1)%int64(p.N) == 0 {
		return errors.New("push gateway unavailable")
	}
	return nil
}

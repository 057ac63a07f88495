package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"helpdispatch/notify"
)

// Fetcher reads the authoritative state of a request.
type Fetcher interface {
	Fetch(ctx context.Context, requestID string) (Patch, error)
}

type FetcherFunc func(ctx context.Context, requestID string) (Patch, error)

func (f FetcherFunc) Fetch(ctx context.Context, requestID string) (Patch, error) {
	return f(ctx, requestID)
}

// Tracker applies patches from any producer through one function.
type Tracker struct {
	requestID string
	mu        sync.Mutex
	snap      Snapshot
	onChange  func(Snapshot)
	done      chan struct{}
	doneOnce  sync.Once
	log       logrus.FieldLogger
}

func New(requestID string) *Tracker {
	return &Tracker{
		requestID: requestID,
		snap:      Snapshot{RequestID: requestID},
		done:      make(chan struct{}),
		log:       logrus.WithField("prefix", "tracker"),
	}
}

// OnChange registers fn to be called, outside the lock, after every patch
// that changed the snapshot.
func (t *Tracker) OnChange(fn func(Snapshot)) *Tracker {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
	return t
}

func (t *Tracker) WithLogger(log logrus.FieldLogger) *Tracker {
	t.log = log
	return t
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Done is closed once the request reaches a terminal state.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Apply merges p and reports whether the snapshot changed. Patches for
// another request, patches older than the snapshot and patches that would
// move a terminal request are ignored, so duplicates and reordering are
// harmless.
func (t *Tracker) Apply(p Patch) bool {
	if p.RequestID != t.requestID {
		return false
	}

	t.mu.Lock()
	if !p.At.IsZero() && p.At.Before(t.snap.UpdatedAt) {
		t.mu.Unlock()
		return false
	}
	if t.snap.Terminal() && p.BroadcastStatus.Present && p.BroadcastStatus.Value != t.snap.BroadcastStatus {
		t.mu.Unlock()
		return false
	}

	next := t.snap.Merge(p)
	changed := !sameState(next, t.snap)
	t.snap = next
	fn := t.onChange
	t.mu.Unlock()

	if next.Terminal() {
		t.doneOnce.Do(func() { close(t.done) })
	}
	if changed && fn != nil {
		fn(next)
	}
	return changed
}

func sameState(a, b Snapshot) bool {
	if a.Status != b.Status || a.BroadcastStatus != b.BroadcastStatus || a.AssignedHelperID != b.AssignedHelperID {
		return false
	}
	switch {
	case a.HelperLocation == nil && b.HelperLocation == nil:
		return true
	case a.HelperLocation == nil || b.HelperLocation == nil:
		return false
	}
	return *a.HelperLocation == *b.HelperLocation
}

// Poll fetches the request every interval until ctx ends or the request is
// terminal. Fetch errors are logged and retried on the next tick.
func (t *Tracker) Poll(ctx context.Context, f Fetcher, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := f.Fetch(ctx, t.requestID)
		switch {
		case err == nil:
			t.Apply(p)
		case ctx.Err() != nil:
			return nil
		default:
			t.log.WithError(err).Warn("poll failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case <-ticker.C:
		}
	}
}

// Listen applies pushed events until the channel closes, ctx ends or the
// request is terminal.
func (t *Tracker) Listen(ctx context.Context, events <-chan notify.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.Apply(PatchFromEvent(ev))
		}
	}
}

// Run feeds the tracker from both producers and returns once the request is
// terminal or ctx ends. A closed event stream leaves polling in charge.
func (t *Tracker) Run(ctx context.Context, f Fetcher, events <-chan notify.Event, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Poll(gctx, f, interval) })
	if events != nil {
		g.Go(func() error { return t.Listen(gctx, events) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

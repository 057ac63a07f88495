package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdispatch/notify"
	"helpdispatch/request"
)

func TestReadEventsSkipsControlEvents(t *testing.T) {
	stream := strings.Join([]string{
		`event:ready`,
		`data:{"topics":["request:r1"]}`,
		``,
		`event:ping`,
		`data:{"at":"2026-01-01T00:00:00Z"}`,
		``,
		`event:status`,
		`data:{"type":"status","requestId":"r1","broadcastStatus":"on_way","at":"2026-01-01T00:01:00Z"}`,
		``,
	}, "\n")

	out := make(chan notify.Event, 4)
	require.NoError(t, readEvents(context.Background(), strings.NewReader(stream), out))
	close(out)

	var got []notify.Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, notify.EventStatus, got[0].Type)
	assert.Equal(t, "on_way", got[0].BroadcastStatus)
}

func TestReadEventsRejectsBadPayload(t *testing.T) {
	out := make(chan notify.Event, 1)
	err := readEvents(context.Background(), strings.NewReader("event:status\ndata:{nope\n\n"), out)
	assert.Error(t, err)
}

func TestWatchPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := calls.Add(1)
		status, broadcastStatus, helper := "assigned", "accepted", "h1"
		if n >= 2 {
			status, broadcastStatus, helper = "completed", "completed", "h1"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"r1","status":%q,"broadcastStatus":%q,"assignedHelperId":%q,"updatedAt":"2026-01-01T00:0%d:00Z"}`,
			status, broadcastStatus, helper, n)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := watch(ctx, newClient(ts.URL, "tok"), "r1", 10*time.Millisecond, false)
	require.NoError(t, err)
	assert.Equal(t, request.BroadcastCompleted, snap.BroadcastStatus)
	assert.Equal(t, "h1", snap.AssignedHelperID)
	assert.True(t, snap.Terminal())
}

func TestWatchAppliesStreamedEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/requests/r1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":"r1","status":"open","broadcastStatus":"broadcasting","updatedAt":"2026-01-01T00:00:00Z"}`)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("request") != "r1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event:ready\ndata:{}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event:status\ndata:{\"type\":\"status\",\"requestId\":\"r1\",\"status\":\"cancelled\",\"broadcastStatus\":\"cancelled\",\"at\":\"2026-01-01T00:05:00Z\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := watch(ctx, newClient(ts.URL, "tok"), "r1", time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, request.BroadcastCancelled, snap.BroadcastStatus)
	assert.Empty(t, snap.AssignedHelperID)
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"helpdispatch/geo"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/tracker"
)

// client talks to the dispatch api on behalf of one bearer token.
type client struct {
	baseURL string
	token   string
	http    *http.Client
	log     logrus.FieldLogger
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		log:     logrus.WithField("prefix", "watch"),
	}
}

type requestSnapshot struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	BroadcastStatus  string     `json:"broadcastStatus"`
	AssignedHelperID string     `json:"assignedHelperId"`
	HelperLocation   *geo.Point `json:"helperLocation"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Fetch reads the authoritative request state.
func (c *client) Fetch(ctx context.Context, requestID string) (tracker.Patch, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/requests/"+url.PathEscape(requestID), nil)
	if err != nil {
		return tracker.Patch{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return tracker.Patch{}, fmt.Errorf("watch: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tracker.Patch{}, fmt.Errorf("watch: fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap requestSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return tracker.Patch{}, fmt.Errorf("watch: decode: %w", err)
	}
	return snapshotPatch(snap), nil
}

func snapshotPatch(s requestSnapshot) tracker.Patch {
	p := tracker.Patch{
		RequestID:        s.ID,
		At:               s.UpdatedAt,
		Status:           tracker.Some(request.Status(s.Status)),
		BroadcastStatus:  tracker.Some(request.BroadcastStatus(s.BroadcastStatus)),
		AssignedHelperID: tracker.Some(s.AssignedHelperID),
	}
	if s.HelperLocation != nil {
		p.HelperLocation = tracker.Some(*s.HelperLocation)
	}
	return p
}

// Subscribe opens the event stream for requestID. The returned channel is
// closed when the stream ends; polling keeps the tracker current after that.
func (c *client) Subscribe(ctx context.Context, requestID string) (<-chan notify.Event, error) {
	q := url.Values{"request": {requestID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("watch: stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("watch: stream: status %d", resp.StatusCode)
	}

	events := make(chan notify.Event, notify.DefaultSubscriberBuffer)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		if err := readEvents(ctx, resp.Body, events); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("event stream closed")
		}
	}()
	return events, nil
}

// readEvents decodes server-sent events from r. Control events such as
// ready and ping carry no request state and are skipped.
func readEvents(ctx context.Context, r io.Reader, out chan<- notify.Event) error {
	scanner := bufio.NewScanner(r)
	var name, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimPrefix(line, "data:")
		case line == "":
			if name != "" && name != "ready" && name != "ping" && data != "" {
				var ev notify.Event
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return fmt.Errorf("watch: decode event %q: %w", name, err)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			name, data = "", ""
		}
	}
	return scanner.Err()
}

// Command watch follows one service request until it reaches a terminal
// state, combining the api's event stream with periodic polling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"helpdispatch/notify"
	"helpdispatch/tracker"
)

func main() {
	var (
		apiURL    string
		token     string
		requestID string
		interval  time.Duration
		noStream  bool
	)
	flag.StringVar(&apiURL, "api", "http://localhost:8080", "dispatch api base url")
	flag.StringVar(&token, "token", os.Getenv("DISPATCH_TOKEN"), "bearer token (default $DISPATCH_TOKEN)")
	flag.StringVar(&requestID, "request", "", "request id to follow")
	flag.DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	flag.BoolVar(&noStream, "no-stream", false, "poll only")
	flag.Parse()

	log.SetFormatter(&prefixed.TextFormatter{ForceFormatting: true, FullTimestamp: true})
	if requestID == "" || token == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap, err := watch(ctx, newClient(apiURL, token), requestID, interval, !noStream)
	if err != nil {
		log.WithError(err).Fatal("watch failed")
	}
	if !snap.Terminal() {
		os.Exit(1)
	}
}

func watch(ctx context.Context, c *client, requestID string, interval time.Duration, stream bool) (tracker.Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := tracker.New(requestID).WithLogger(c.log).OnChange(func(s tracker.Snapshot) {
		fmt.Println(describe(s))
	})

	var events <-chan notify.Event
	if stream {
		ch, err := c.Subscribe(ctx, requestID)
		if err != nil {
			c.log.WithError(err).Warn("stream unavailable; polling only")
		} else {
			events = ch
		}
	}

	err := t.Run(ctx, c, events, interval)
	return t.Snapshot(), err
}

func describe(s tracker.Snapshot) string {
	line := fmt.Sprintf("%s  %-12s %-12s", s.UpdatedAt.Local().Format(time.TimeOnly), s.Status, s.BroadcastStatus)
	if s.AssignedHelperID != "" {
		line += "  helper=" + s.AssignedHelperID
	}
	if s.HelperLocation != nil {
		line += fmt.Sprintf("  at=%.5f,%.5f", s.HelperLocation.Lat, s.HelperLocation.Lng)
	}
	return line
}

package main

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"helpdispatch/auth"
	"helpdispatch/notify"
)

// stream relays hub events as server-sent events. Helpers always receive
// their own offers; any caller may add request topics it is entitled to
// with ?request=<id>. A "ready" event is sent once the subscription is in
// place so clients know nothing published afterwards is missed.
func (s *Server) stream(c *gin.Context) {
	viewerHelper, ok := s.viewerHelperID(c)
	if !ok {
		return
	}
	id := identity(c)

	var topics []string
	if viewerHelper != "" {
		topics = append(topics, notify.HelperTopic(viewerHelper))
	}
	for _, requestID := range c.QueryArray("request") {
		if !validRequestID(c, requestID) {
			return
		}
		req, err := s.requests.Get(c.Request.Context(), requestID)
		if shouldInterupt(err, c) {
			return
		}
		entitled := id.Role == auth.RoleAdmin ||
			req.CustomerID == id.UserID ||
			(viewerHelper != "" && req.AssignedHelperID == viewerHelper)
		if !entitled {
			abortWithEncoding(c, http.StatusForbidden, errorForbidden)
			return
		}
		topics = append(topics, notify.RequestTopic(requestID))
	}
	if len(topics) == 0 {
		abortWithEncoding(c, http.StatusBadRequest, errorInvalidParameters)
		return
	}

	sub := s.hub.Subscribe(topics...)
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"topics": topics})
	c.Writer.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

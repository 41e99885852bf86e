package api

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/coordinator/internal/eventbus"
)

// StreamSessions handles GET /stream/sessions: a Server-Sent Events feed
// that opens with a snapshot of every known session, then forwards live
// session/event bus messages until the client disconnects.
func (h *Handler) StreamSessions(c *gin.Context) {
	sub, initial := eventbus.Subscribe(h.bus, func() []eventbus.Message {
		sessions, err := h.db.ListSessions(c.Request.Context())
		if err != nil {
			return nil
		}
		msgs := make([]eventbus.Message, len(sessions))
		for i, sess := range sessions {
			msgs[i] = eventbus.Message{Kind: eventbus.SessionUpdated, SessionID: sess.SessionID, Session: sess}
		}
		return msgs
	})
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for _, msg := range initial {
		c.SSEvent(string(msg.Kind), msg)
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(msg.Kind), msg)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// bufferedSessionDeleted builds the bus message published when a session
// row is removed, so stream subscribers learn about deletions without
// polling.
func bufferedSessionDeleted(sessionID string) eventbus.Message {
	return eventbus.Message{Kind: eventbus.SessionDeleted, SessionID: sessionID}
}

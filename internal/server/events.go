package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/netcafe/internal/broadcast"
	"github.com/smallbiznis/netcafe/internal/orgcontext"
)

// StreamOrgEvents streams every floor event of the caller's venue.
func (s *Server) StreamOrgEvents(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}
	s.streamTopic(c, broadcast.OrgTopic(orgID))
}

// StreamDeviceEvents streams events addressed to one device.
func (s *Server) StreamDeviceEvents(c *gin.Context) {
	deviceID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if _, err := s.deviceSvc.Get(c.Request.Context(), deviceID); err != nil {
		AbortWithError(c, err)
		return
	}
	s.streamTopic(c, broadcast.DeviceTopic(deviceID))
}

func (s *Server) streamTopic(c *gin.Context, topic string) {
	if s.broadcaster == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	subscription, backlog, err := s.broadcaster.Hub().Subscribe(topic)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writeBroadcastEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	interval := s.sseHeartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx := c.Request.Context()
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writeBroadcastEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeBroadcastEvent(w io.Writer, event broadcast.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}

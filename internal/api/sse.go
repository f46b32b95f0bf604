package api

import (
	"io"
	"net/http"
	"time"

	"productshot/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type sseMessage struct {
	event string
	data  interface{}
}

func (h *HTTPHandler) registerSSEClient(userID uint, ch chan sseMessage) {
	if h == nil || ch == nil || userID == 0 {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	if h.sseClients == nil {
		h.sseClients = make(map[uint][]chan sseMessage)
	}
	h.sseClients[userID] = append(h.sseClients[userID], ch)
}

func (h *HTTPHandler) unregisterSSEClient(userID uint, target chan sseMessage) {
	if h == nil || target == nil || userID == 0 {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	current := h.sseClients[userID]
	if len(current) == 0 {
		return
	}

	remaining := current[:0]
	for _, ch := range current {
		if ch == target {
			continue
		}
		remaining = append(remaining, ch)
	}

	if len(remaining) == 0 {
		delete(h.sseClients, userID)
		return
	}
	h.sseClients[userID] = remaining
}

func (h *HTTPHandler) publishSSEMessage(userID uint, msg sseMessage) {
	if h == nil || userID == 0 {
		return
	}

	h.sseMu.Lock()
	channels := append([]chan sseMessage(nil), h.sseClients[userID]...)
	h.sseMu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
				"event":   msg.event,
			}).Warn("dropping sse message due to slow consumer")
		}
	}
}

// notifyGenerationUpdated 推送生成状态变化
func (h *HTTPHandler) notifyGenerationUpdated(userID uint, gen entity.Generation) {
	h.publishSSEMessage(userID, sseMessage{
		event: "generation_updated",
		data:  gen,
	})
}

// StreamGenerationEvents 以 SSE 推送当前用户的生成状态变化
func (h *HTTPHandler) StreamGenerationEvents(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	ctx := c.Request.Context()
	events := make(chan sseMessage, 8)
	h.registerSSEClient(requestUser.ID, events)
	defer h.unregisterSSEClient(requestUser.ID, events)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	logrus.WithField("user_id", requestUser.ID).Info("generation sse connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			logrus.WithField("user_id", requestUser.ID).Info("generation sse disconnected")
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UnixMilli()})
			return true
		case msg, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(msg.event, msg.data)
			return true
		}
	})
}

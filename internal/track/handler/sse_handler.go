package handler

import (
	"fmt"
	"io"
	"time"

	"github.com/bitfantasy/nimo-track/internal/track/sse"
	"github.com/gin-gonic/gin"
)

const (
	sseHeartbeat  = 30 * time.Second
	sseBufferSize = 64
	sseRetryMs    = 3000
)

// SSEHandler 推送装箱/出库事件
type SSEHandler struct {
	hub *sse.Hub
}

// NewSSEHandler hub 为空时不启用
func NewSSEHandler(hub *sse.Hub) *SSEHandler {
	if hub == nil {
		return nil
	}
	return &SSEHandler{hub: hub}
}

// Stream 事件流，按token组织过滤；session_id / order_id 可收窄到单个会话或订单
// GET /api/v1/sse/events?token=xxx&session_id=xxx
func (h *SSEHandler) Stream(c *gin.Context) {
	userID := GetUserID(c)
	topic := c.Query("session_id")
	if topic == "" {
		topic = c.Query("order_id")
	}

	client := &sse.Client{
		ID:     fmt.Sprintf("%s_%d", userID, time.Now().UnixNano()),
		UserID: userID,
		OrgID:  GetOrgID(c),
		Topic:  topic,
		Events: make(chan sse.Event, sseBufferSize),
	}
	h.hub.Register(client)
	defer h.hub.Unregister(client.ID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(c.Writer, "retry: %d\n", sseRetryMs)
	writeSSE(c.Writer, sse.Event{EventType: "connected", Data: fmt.Sprintf(`{"client_id":%q,"topic":%q}`, client.ID, topic)})
	c.Writer.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			writeSSE(c.Writer, event)
			c.Writer.Flush()
		case <-heartbeat.C:
			io.WriteString(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(w io.Writer, event sse.Event) {
	if event.ID > 0 {
		fmt.Fprintf(w, "id: %d\n", event.ID)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, event.Data)
}

package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/foldbridge/foldbridge-backend/internal/sse"
)

type SSEHandler struct {
	hub *sse.Hub
}

func NewSSEHandler(hub *sse.Hub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// GET /sse/stream?channels=<id>,<id>,...
// Without channels the client gets the firehose.
func (h *SSEHandler) Stream(c *gin.Context) {
	client := h.hub.NewClient()
	defer h.hub.CloseClient(client)

	channels := strings.Split(c.Query("channels"), ",")
	subscribed := false
	for _, ch := range channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			h.hub.AddChannel(client, ch)
			subscribed = true
		}
	}
	if !subscribed {
		h.hub.AddChannel(client, sse.ChannelAll)
	}

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

package broadcast

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// SSEHandler streams a room's events as Server-Sent Events. The room ID is
// taken from the ":id" path parameter.
func SSEHandler(hub *Hub, heartbeat time.Duration) gin.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return func(c *gin.Context) {
		roomID := c.Param("id")
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		sub := hub.Subscribe(roomID)
		defer sub.Close()

		writeSSE(c.Writer, "connected", map[string]string{"roomId": roomID})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case e, ok := <-sub.C:
				if !ok {
					writeSSE(c.Writer, ResyncReason, map[string]string{"roomId": roomID})
					c.Writer.Flush()
					return
				}
				writeSSE(c.Writer, string(e.Type), e)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE formats and writes a single SSE event.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// handleSSE streams a "counts" event after every presence change and a
// "training" event after every training change, coalescing bursts.
func handleSSE(src Source, heartbeatEvery time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := current(c, src)
		if !ok {
			return
		}
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		presenceCh := make(chan struct{}, 1)
		trainingCh := make(chan struct{}, 1)
		notify := func(ch chan struct{}) func() {
			return func() {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
		defer s.Presence().OnChange(notify(presenceCh))()
		defer s.Training().OnChange(notify(trainingCh))()

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected", "org": s.Context().OrgID})
		writeSSE(c.Writer, "counts", CountsOf(s))
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
			case <-presenceCh:
				writeSSE(c.Writer, "counts", CountsOf(s))
			case <-trainingCh:
				writeSSE(c.Writer, "training", TrainingOf(s))
			}
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

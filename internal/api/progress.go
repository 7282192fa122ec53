package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

const writeTimeout = 5 * time.Second

// progressHandler streams live run metrics to a websocket client until the
// client goes away.
func progressHandler(source ProgressSource, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()

		// Client frames are not used; CloseRead reports disconnects.
		ctx := conn.CloseRead(c.Request.Context())

		updates, cancel := source.Subscribe()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-updates:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "")
					return
				}

				data, err := json.Marshal(m)
				if err != nil {
					logger.Error("encode progress", "error", err)
					continue
				}

				writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(writeCtx, websocket.MessageText, data)
				cancelWrite()
				if err != nil {
					logger.Debug("progress client gone", "error", err)
					return
				}
			}
		}
	}
}

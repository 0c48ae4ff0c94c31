package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/pkg/logger"
)

// Logger writes one structured access log per request. Upgraded connections are logged when
// they close, with the connection lifetime as duration.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method
		upgrade := websocket.IsWebSocketUpgrade(c.Request)

		c.Next()

		msg := "request"
		if upgrade {
			msg = "connection closed"
		}
		logger.WithModule("http").Info(msg,
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Bool("upgrade", upgrade),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/pkg/errors"
	"github.com/charlesng35/collabhub/pkg/logger"
	"github.com/charlesng35/collabhub/pkg/response"
)

// ErrTooManyUpgrades is returned when a client opens connections faster than allowed.
var ErrTooManyUpgrades = errors.New("RATE_LIMITED", "Too many connection attempts", http.StatusTooManyRequests)

// UpgradeRateLimit limits websocket upgrades per client IP within a fixed window. Plain HTTP
// requests are not counted. A non-positive limit or a nil store disables the limiter; store
// errors let the request through.
func UpgradeRateLimit(store RateStore, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil || limit <= 0 || !websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}

		count, resetIn, err := store.Increment(c.Request.Context(), "upgrade:"+c.ClientIP(), window)
		if err != nil {
			logger.WithModule("http").Warn("rate limit store unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, limit-count)))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > limit {
			response.Error(c, ErrTooManyUpgrades)
			return
		}
		c.Next()
	}
}

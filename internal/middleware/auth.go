package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	iauth "github.com/charlesng35/collabhub/internal/auth"
	"github.com/charlesng35/collabhub/pkg/errors"
	"github.com/charlesng35/collabhub/pkg/response"
)

// CtxClaimsKey holds the validated access token claims of an upgrade request.
const CtxClaimsKey = "authClaims"

// Auth requires a valid access token on every websocket upgrade. Plain HTTP requests pass
// through untouched. A nil service disables the check.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwt == nil || !websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}

		token := iauth.TokenFromRequest(c.Request)
		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by Auth, if any.
func ClaimsFrom(c *gin.Context) (*iauth.Claims, bool) {
	v, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*iauth.Claims)
	return claims, ok
}

package app

import (
	"github.com/charlesng35/collabhub/internal/auth"
)

// Enabled reports whether upgrades must carry an access token.
func (c AuthConfig) Enabled() bool {
	return c.JWT.Secret != ""
}

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

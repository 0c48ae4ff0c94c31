package app

import (
	"strings"
)

// ApplyRuntimeDefaults fills values that depend on other settings and normalises paths so
// the rest of the gateway can use them verbatim.
func ApplyRuntimeDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Server.Environment = strings.ToLower(strings.TrimSpace(cfg.Server.Environment))
	if cfg.Server.Environment == "" {
		cfg.Server.Environment = "development"
	}

	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		if cfg.IsProduction() {
			cfg.Server.LogLevel = "info"
		} else {
			cfg.Server.LogLevel = "debug"
		}
	}

	origins := cfg.Server.AllowedOrigins[:0]
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.Server.AllowedOrigins = origins

	// The chat prefix keeps its trailing slash so "/socket.io" alone stays a document path.
	cfg.Chat.Prefix = "/" + strings.TrimLeft(strings.TrimSpace(cfg.Chat.Prefix), "/")
	if !strings.HasSuffix(cfg.Chat.Prefix, "/") {
		cfg.Chat.Prefix += "/"
	}
	cfg.Signaling.Prefix = "/" + strings.Trim(strings.TrimSpace(cfg.Signaling.Prefix), "/")

	cfg.Store.URI = strings.TrimSpace(cfg.Store.URI)
	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
}

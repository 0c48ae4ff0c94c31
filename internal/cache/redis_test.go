package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRedisClientRequiresAddress(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{Address: "  "})
	require.ErrorContains(t, err, "address is required")
}

func TestNewRedisClientFailsFastWhenUnreachable(t *testing.T) {
	// Port 1 on loopback is never a redis server.
	_, err := NewRedisClient(context.Background(), RedisConfig{
		Address: "127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "127.0.0.1:1")
}

package app

import (
	"github.com/charlesng35/collabhub/internal/persistence"
)

// Enabled reports whether a document store is configured.
func (c StoreConfig) Enabled() bool {
	return c.URI != ""
}

// StoreOptions converts the store section into persistence.Open options.
func (c StoreConfig) StoreOptions() persistence.Options {
	return persistence.Options{
		FlushSize:  c.FlushSize,
		Collection: c.Collection,
		Timeout:    c.Timeout,
	}
}

// BridgeOptions converts the store section into persistence bridge options.
func (c StoreConfig) BridgeOptions() persistence.BridgeOptions {
	return persistence.BridgeOptions{
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
		Timeout:   c.Timeout,
	}
}

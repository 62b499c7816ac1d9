package feed

import "time"

const (
	defaultReconnectBase = time.Second
	defaultMaxReconnects = 10
	defaultHTTPTimeout   = 15 * time.Second
)

type Config struct {
	// WsURL is the settlement feed's websocket endpoint
	WsURL string

	// RestURL is the base URL of the feed's REST API, used by the
	// pending-instruction fallback poll
	RestURL string

	// ReconnectBase is the first retry delay after a disconnect; it
	// doubles per consecutive failed attempt
	ReconnectBase time.Duration

	// MaxReconnects bounds consecutive failed dial attempts; past it the
	// listener stops and must be externally restarted
	MaxReconnects int

	// HTTPTimeout applies to fallback REST calls
	HTTPTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	return cfg
}

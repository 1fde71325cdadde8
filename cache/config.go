package cache

import (
	"time"

	"github.com/google/uuid"
)

// MaxTTL is the clamp spec §3 invariant 5 mandates: entries never outlive 30
// days, regardless of what a caller requests.
const MaxTTL = 30 * 24 * time.Hour

// Config holds the small set of knobs a Cache is built with. It follows the
// teacher's functional-options builder pattern (option.go/builder.go):
// options mutate a Config, and New normalizes it once before use.
type Config struct {
	// TTL is how long newly written rows live before gc() may reap them.
	// Zero means "never expires". Values above MaxTTL are clamped, not
	// rejected (spec §7 error kind 6).
	TTL time.Duration

	// SessionID tags every log line this Cache instance emits, so repair
	// activity for one session can be grepped out of a shared log stream.
	SessionID string
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithTTL sets the cache entry TTL. Values above MaxTTL are clamped at
// Normalize time, not here, so options can be applied in any order.
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) { c.TTL = ttl }
}

// WithSessionID overrides the generated session correlation ID.
func WithSessionID(id string) Option {
	return func(c *Config) { c.SessionID = id }
}

func defaultConfig() Config {
	return Config{}
}

// NewConfig applies opts over the defaults and normalizes the result. Callers
// build a Config once and pass it to New.
func NewConfig(opts ...Option) Config {
	cfg := defaultConfig()

	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.Normalize()

	return cfg
}

// Normalize clamps TTL into [0, MaxTTL] and fills in any zero-value fields
// that must never be nil/empty. It is idempotent, so it is safe to call again
// after a setter mutates Config post-construction.
func (c *Config) Normalize() {
	if c.TTL < 0 {
		c.TTL = 0
	}

	if c.TTL > MaxTTL {
		c.TTL = MaxTTL
	}

	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
}

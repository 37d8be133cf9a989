package ratelimit

import (
	"fmt"
	"time"
)

// Dimension names an independent family of limits, such as per client IP.
type Dimension string

const (
	DimensionIP            Dimension = "ip"
	DimensionUser          Dimension = "user"
	DimensionAgentEndpoint Dimension = "agent_endpoint"
)

// Rule admits at most MaxRequests hits in any trailing Window.
type Rule struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

func (r Rule) enabled() bool {
	return r.MaxRequests > 0 && r.Window > 0
}

// Key identifies one sliding window.
type Key struct {
	Dimension  Dimension
	Identifier string
}

func NewKey(dimension Dimension, identifier string) Key {
	return Key{Dimension: dimension, Identifier: identifier}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Dimension, k.Identifier)
}

// Decision is the outcome of one hit against a window.
type Decision struct {
	Allowed bool
	// Remaining is the number of hits still available in the window, or -1 when
	// the key is not limited.
	Remaining int
	// RetryAfter is set on rejections: the time until the oldest counted hit
	// leaves the window.
	RetryAfter time.Duration
}

func unlimited() Decision {
	return Decision{Allowed: true, Remaining: -1}
}

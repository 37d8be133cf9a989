package ratelimit

import "context"

// Store performs the atomic check-and-record step for one key.
type Store interface {
	Hit(ctx context.Context, key string, rule Rule) (Decision, error)
}

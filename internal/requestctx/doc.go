// Package requestctx extracts the per-request facts the protection layer
// needs (request ID, agent, user, client IP, endpoint) and carries them
// through a context.Context.
package requestctx

// Package handler is the HTTP boundary of the gateway. ProtectionMiddleware
// wraps the outbound chat call in the protection layer and maps its errors to
// HTTP responses; Admin exposes circuit reset and rate-limit reload.
package handler

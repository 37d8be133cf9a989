// Package logger builds the gateway's slog logger: JSON in production, text
// elsewhere, with the level taken from configuration.
package logger

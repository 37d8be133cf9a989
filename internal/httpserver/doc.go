// Package httpserver runs the gateway's HTTP listener with a validated
// address and graceful shutdown.
package httpserver

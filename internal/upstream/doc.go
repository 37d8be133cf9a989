// Package upstream implements the minimal non-streaming client used to reach
// LLM providers. It tracks in-flight calls and a moving average of response
// times, and turns error statuses into *faults.StatusError so the resilience
// layer can classify them.
package upstream

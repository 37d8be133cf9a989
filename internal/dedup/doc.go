// Package dedup coalesces concurrent identical requests into one upstream call.
//
// The first caller for a key becomes the originator and starts the execution;
// callers arriving while it runs subscribe to the same result. The key is
// removed the moment the execution settles, so results are never cached
// beyond the in-flight window.
package dedup

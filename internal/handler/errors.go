package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/faults"
)

// StatusClientClosedRequest is reported when the caller went away first.
const StatusClientClosedRequest = 499

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// writeError maps err onto a status and a JSON body. Upstream bodies and
// internal details are never included.
func writeError(w http.ResponseWriter, err error) {
	if fe, ok := faults.AsError(err); ok {
		writeErrorBody(w, fe.HTTPStatus(), fe.Code(), message(fe), fe.RetryAfter())
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		writeErrorBody(w, StatusClientClosedRequest, "canceled", "request canceled", 0)
	case errors.Is(err, context.DeadlineExceeded):
		writeErrorBody(w, http.StatusGatewayTimeout, "deadline_exceeded", "request deadline exceeded", 0)
	default:
		writeErrorBody(w, http.StatusInternalServerError, "internal_error", "internal error", 0)
	}
}

func message(fe faults.Error) string {
	switch fe.(type) {
	case *faults.RateLimitExceededError:
		return "rate limit exceeded"
	case *faults.CircuitOpenError:
		return "upstream temporarily unavailable"
	case *faults.UpstreamTimeoutError:
		return "upstream timed out"
	case *faults.UpstreamClientError:
		return "upstream rejected the request"
	default:
		return "upstream unavailable"
	}
}

func writeErrorBody(w http.ResponseWriter, status int, code, msg string, retryAfter time.Duration) {
	detail := errorDetail{Code: code, Message: msg}
	if retryAfter > 0 {
		detail.RetryAfterMS = (retryAfter + time.Millisecond - 1).Milliseconds()
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(retryAfter), 10))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

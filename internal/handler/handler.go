package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/metrics"
	"github.com/angeloszaimis/llm-gateway/internal/protection"
	"github.com/angeloszaimis/llm-gateway/internal/requestctx"
	"github.com/angeloszaimis/llm-gateway/internal/upstream"
)

const (
	EndpointChatCompletions = "chat/completions"

	HeaderDedupKey       = "X-Dedup-Key"
	HeaderDedup          = "X-Dedup"
	HeaderUpstreamTarget = "X-Upstream-Target"

	defaultMaxBodyBytes = 1 << 20
)

// ChatProxy performs the outbound call for a chat request. It is the only
// part of the request path that talks to a provider.
type ChatProxy interface {
	// Target names the circuit for an agent, usually its provider.
	Target(agentID string) (string, bool)
	Forward(ctx context.Context, target string, body []byte) (*upstream.Response, error)
}

// ProtectionMiddleware turns an inbound request into a protected upstream call:
// it builds the RequestContext, derives rate-limit and dedup keys, runs the
// call through the protection.Service and writes either the provider reply or
// a mapped error.
type ProtectionMiddleware struct {
	logger           *slog.Logger
	service          *protection.Service
	proxy            ChatProxy
	metricsCollector *metrics.Collector
	endpoint         string
	maxBodyBytes     int64
	trustedProxies   requestctx.TrustedProxies
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

type Option func(*ProtectionMiddleware)

func WithMetrics(collector *metrics.Collector) Option {
	return func(m *ProtectionMiddleware) { m.metricsCollector = collector }
}

func WithMaxBodyBytes(n int64) Option {
	return func(m *ProtectionMiddleware) { m.maxBodyBytes = n }
}

// WithTrustedProxies lets the listed proxies report the client address in
// X-Forwarded-For.
func WithTrustedProxies(proxies requestctx.TrustedProxies) Option {
	return func(m *ProtectionMiddleware) { m.trustedProxies = proxies }
}

func WithEndpoint(endpoint string) Option {
	return func(m *ProtectionMiddleware) { m.endpoint = endpoint }
}

func NewProtectionMiddleware(logger *slog.Logger, service *protection.Service, proxy ChatProxy, opts ...Option) *ProtectionMiddleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &ProtectionMiddleware{
		logger:       logger,
		service:      service,
		proxy:        proxy,
		endpoint:     EndpointChatCompletions,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ProtectionMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := requestctx.FromRequest(r, m.endpoint, m.trustedProxies)
	w.Header().Set(requestctx.HeaderRequestID, rc.RequestID)

	m.logger.Info("Received request",
		slog.String("request_id", rc.RequestID),
		slog.String("from", rc.IP),
		slog.String("agent", rc.AgentID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("user_agent", r.UserAgent()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorBody(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large", 0)
			return
		}
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", "could not read request body", 0)
		return
	}

	target, ok := m.proxy.Target(rc.AgentID)
	if !ok {
		writeErrorBody(w, http.StatusNotFound, "unknown_agent", "unknown agent "+rc.AgentID, 0)
		return
	}
	w.Header().Set(HeaderUpstreamTarget, target)

	m.emitEvent(metrics.MetricEvent{Type: metrics.EventRequestReceived, Target: target})

	start := time.Now()
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	m.protect(wrapped, r.WithContext(requestctx.NewContext(r.Context(), rc)), rc, target, body)

	m.emitEvent(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Target:     target,
		Duration:   time.Since(start),
		StatusCode: wrapped.statusCode,
	})
}

func (m *ProtectionMiddleware) protect(w http.ResponseWriter, r *http.Request, rc requestctx.RequestContext, target string, body []byte) {
	opts := protection.Options{
		Target:        target,
		DedupKey:      dedupKey(r, rc, body),
		RateLimitKeys: rc.RateLimitKeys(),
	}

	result, err := m.service.ExecuteDetailed(r.Context(), opts, func(ctx context.Context) (any, error) {
		return m.proxy.Forward(ctx, target, body)
	})
	if result.Dedup != "" {
		w.Header().Set(HeaderDedup, result.Dedup)
	}
	if err != nil {
		m.logger.Debug("Protected call failed",
			slog.String("request_id", rc.RequestID),
			slog.String("target", target),
			slog.Any("error", err))
		writeError(w, err)
		return
	}

	resp, ok := result.Value.(*upstream.Response)
	if !ok || resp == nil {
		writeErrorBody(w, http.StatusBadGateway, "upstream_unavailable", "empty upstream response", 0)
		return
	}
	for key, values := range resp.Header {
		w.Header()[key] = values
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// dedupKey prefers an explicit client key and otherwise fingerprints the
// request. Streaming requests are never coalesced.
func dedupKey(r *http.Request, rc requestctx.RequestContext, body []byte) string {
	if isStreaming(body) {
		return ""
	}
	if key := r.Header.Get(HeaderDedupKey); key != "" {
		return rc.AgentID + "|" + key
	}
	return Fingerprint(rc.AgentID, rc.Endpoint, body)
}

// Fingerprint is the default dedup key: a SHA-256 of agent, endpoint and the
// raw request body.
func Fingerprint(agentID, endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func isStreaming(body []byte) bool {
	var req struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	return req.Stream
}

func (m *ProtectionMiddleware) emitEvent(event metrics.MetricEvent) {
	m.metricsCollector.Emit(event)
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

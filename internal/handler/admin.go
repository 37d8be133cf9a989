package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/protection"
	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
	"github.com/angeloszaimis/llm-gateway/internal/requestctx"
	"github.com/angeloszaimis/llm-gateway/internal/upstream"
)

// RulesLoader returns the current rate-limit rules, typically by re-reading
// the config file.
type RulesLoader func() (map[ratelimit.Dimension]ratelimit.Rule, error)

// Admin serves the operational endpoints. A non-empty token is required as a
// bearer credential on every admin route.
type Admin struct {
	logger    *slog.Logger
	service   *protection.Service
	providers *upstream.Registry
	loadRules RulesLoader
	token     string
}

func NewAdmin(logger *slog.Logger, service *protection.Service, providers *upstream.Registry, loadRules RulesLoader, token string) *Admin {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Admin{
		logger:    logger.With(slog.String("component", "admin")),
		service:   service,
		providers: providers,
		loadRules: loadRules,
		token:     token,
	}
}

// Register mounts the admin routes on mux.
func (a *Admin) Register(mux *http.ServeMux) {
	mux.Handle("GET /admin/circuits", a.authorize(http.HandlerFunc(a.Circuits)))
	mux.Handle("POST /admin/circuits/reset", a.authorize(http.HandlerFunc(a.ResetCircuits)))
	mux.Handle("POST /admin/circuits/{target}/reset", a.authorize(http.HandlerFunc(a.ResetCircuit)))
	mux.Handle("POST /admin/ratelimits/reload", a.authorize(http.HandlerFunc(a.ReloadRateLimits)))
	mux.Handle("GET /admin/providers", a.authorize(http.HandlerFunc(a.Providers)))
	mux.Handle("GET /admin/stats", a.authorize(http.HandlerFunc(a.Stats)))
}

func (a *Admin) Circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Circuits())
}

func (a *Admin) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	if !a.service.ResetCircuit(target) {
		writeErrorBody(w, http.StatusNotFound, "unknown_target", "no circuit for target "+target, 0)
		return
	}

	a.logger.Info("Circuit reset by operator",
		slog.String("target", target),
		slog.String("from", requestctx.ClientIP(r)))
	writeJSON(w, http.StatusOK, map[string]string{"target": target, "state": "CLOSED"})
}

func (a *Admin) ResetCircuits(w http.ResponseWriter, r *http.Request) {
	count := a.service.ResetCircuits()

	a.logger.Info("All circuits reset by operator",
		slog.Int("count", count),
		slog.String("from", requestctx.ClientIP(r)))
	writeJSON(w, http.StatusOK, map[string]int{"reset": count})
}

type ruleRequest struct {
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
}

// ReloadRateLimits applies the rules in the request body, or re-reads them
// through the loader when the body is empty.
func (a *Admin) ReloadRateLimits(w http.ResponseWriter, r *http.Request) {
	rules, err := a.rulesFromRequest(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_rules", err.Error(), 0)
		return
	}

	a.service.ReloadRateLimits(rules)
	writeJSON(w, http.StatusOK, a.service.Stats().RateLimits)
}

func (a *Admin) rulesFromRequest(r *http.Request) (map[ratelimit.Dimension]ratelimit.Rule, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if len(strings.TrimSpace(string(raw))) == 0 {
		if a.loadRules == nil {
			return nil, errors.New("no rules given and no loader configured")
		}
		return a.loadRules()
	}

	var req map[string]ruleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	rules := make(map[ratelimit.Dimension]ratelimit.Rule, len(req))
	for dimension, rule := range req {
		window, err := time.ParseDuration(rule.Window)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid window %q", dimension, rule.Window)
		}
		if rule.MaxRequests < 0 || window < 0 {
			return nil, fmt.Errorf("%s: limits must not be negative", dimension)
		}
		rules[ratelimit.Dimension(dimension)] = ratelimit.Rule{MaxRequests: rule.MaxRequests, Window: window}
	}
	return rules, nil
}

func (a *Admin) Providers(w http.ResponseWriter, r *http.Request) {
	if a.providers == nil {
		writeJSON(w, http.StatusOK, []upstream.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, a.providers.Snapshots())
}

func (a *Admin) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Stats())
}

func (a *Admin) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(a.token)) != 1 {
				a.logger.Warn("Rejected admin request", slog.String("from", requestctx.ClientIP(r)), slog.String("path", r.URL.Path))
				writeErrorBody(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token", 0)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

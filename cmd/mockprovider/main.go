// Mockprovider is a fake LLM provider for exercising the gateway by hand. It
// answers chat completions after a configurable latency and fails a
// configurable share of requests.
//
// Usage:
//
//	go run ./cmd/mockprovider -port 9001 -latency 300ms -failure-rate 0.2 -failure-status 503
//
// GET /stats reports how many completions the provider actually served, which
// makes request coalescing visible.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/llm-gateway/pkg/logger"
)

type completionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

func main() {
	var (
		port          = flag.Int("port", 9001, "port to listen on")
		name          = flag.String("name", "mock", "provider name used in replies and logs")
		latency       = flag.Duration("latency", 200*time.Millisecond, "time to wait before answering")
		failureRate   = flag.Float64("failure-rate", 0, "share of requests to fail, 0..1")
		failureStatus = flag.Int("failure-status", http.StatusServiceUnavailable, "status returned for failed requests")
	)
	flag.Parse()

	log := logger.New(os.Stdout, "info", false, "dev").With(slog.String("provider", *name))

	var served, failed atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var req completionRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
				return
			}
		}

		select {
		case <-time.After(*latency):
		case <-r.Context().Done():
			log.Info("Caller went away", slog.String("from", r.RemoteAddr))
			return
		}

		if rand.Float64() < *failureRate {
			failed.Add(1)
			log.Info("Failing request", slog.Int("status", *failureStatus))
			http.Error(w, `{"error":"simulated failure"}`, *failureStatus)
			return
		}

		n := served.Add(1)
		log.Info("Served completion",
			slog.Int64("count", n),
			slog.String("model", req.Model),
			slog.String("from", r.RemoteAddr))

		resp := completion{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
		}
		c := choice{FinishReason: "stop"}
		c.Message.Role = "assistant"
		c.Message.Content = fmt.Sprintf("%s answered %d message(s)", *name, len(req.Messages))
		resp.Choices = []choice{c}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"served": served.Load(),
			"failed": failed.Load(),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("Starting mock provider",
		slog.String("address", addr),
		slog.Duration("latency", *latency),
		slog.Float64("failure_rate", *failureRate))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

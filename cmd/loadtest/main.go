// Loadtest drives concurrent chat requests through the gateway and reports how
// the protection layer answered: status codes, dedup outcomes and latency
// percentiles.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8080/v1/agents/support/chat/completions -concurrency 50 -requests 1000
//	go run ./cmd/loadtest -distinct 5 -ips 20 -out summary.json
//
// With a small -distinct many requests share a body, so concurrent duplicates
// are coalesced. -ips spreads requests over fake client addresses through
// X-Forwarded-For to exercise per-IP limits. The gateway only honors the header
// when the load generator's address is listed in server.trusted_proxies.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type result struct {
	status   int
	dedup    string
	duration time.Duration
	err      error
}

type summary struct {
	Target        string           `json:"target"`
	Requests      int              `json:"requests"`
	Concurrency   int              `json:"concurrency"`
	Errors        int              `json:"errors"`
	DurationMS    int64            `json:"duration_ms"`
	ThroughputRPS float64          `json:"throughput_rps"`
	StatusCodes   map[int]int      `json:"status_codes"`
	Dedup         map[string]int   `json:"dedup"`
	LatencyMS     map[string]int64 `json:"latency_ms"`
}

func main() {
	var (
		target      = flag.String("url", "http://localhost:8080/v1/agents/support/chat/completions", "gateway chat URL")
		concurrency = flag.Int("concurrency", 10, "number of concurrent workers")
		requests    = flag.Int("requests", 100, "total number of requests to send")
		distinct    = flag.Int("distinct", 10, "number of distinct request bodies")
		ips         = flag.Int("ips", 50, "number of fake client IPs")
		user        = flag.String("user", "", "X-User-ID to send (optional)")
		timeout     = flag.Duration("timeout", 30*time.Second, "per-request timeout")
		outJSON     = flag.String("out", "", "write JSON summary to this file (optional)")
		verbose     = flag.Bool("v", false, "print every response")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := &http.Client{Timeout: *timeout}
	jobs := make(chan int)
	results := make([]result, *requests)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < *requests; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	var printMu sync.Mutex
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			for idx := range jobs {
				res := send(ctx, client, *target, idx, *distinct, *ips, *user)
				results[idx] = res
				if *verbose {
					printMu.Lock()
					fmt.Printf("[%d] idx=%d status=%d dedup=%s dur=%v err=%v\n", w, idx, res.status, res.dedup, res.duration, res.err)
					printMu.Unlock()
				}
			}
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	report := summarize(results, elapsed)
	report.Target = *target
	report.Requests = *requests
	report.Concurrency = *concurrency
	printSummary(report)

	if *outJSON != "" {
		f, err := os.Create(*outJSON)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *outJSON)
	}

	if report.Errors > 0 {
		os.Exit(2)
	}
}

func send(ctx context.Context, client *http.Client, target string, idx, distinct, ips int, user string) result {
	body := fmt.Sprintf(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"question %d"}]}`, idx%max(distinct, 1))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(body))
	if err != nil {
		return result{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", fmt.Sprintf("192.168.1.%d", idx%max(ips, 1)+1))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return result{err: err, duration: time.Since(start)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return result{
		status:   resp.StatusCode,
		dedup:    resp.Header.Get("X-Dedup"),
		duration: time.Since(start),
	}
}

func summarize(results []result, elapsed time.Duration) summary {
	s := summary{
		DurationMS:  elapsed.Milliseconds(),
		StatusCodes: map[int]int{},
		Dedup:       map[string]int{},
		LatencyMS:   map[string]int64{},
	}

	var latencies []time.Duration
	for _, r := range results {
		if r.err != nil {
			s.Errors++
			continue
		}
		if r.status == 0 {
			continue
		}
		s.StatusCodes[r.status]++
		if r.dedup != "" {
			s.Dedup[r.dedup]++
		}
		latencies = append(latencies, r.duration)
	}
	s.ThroughputRPS = float64(len(results)) / elapsed.Seconds()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		pick := func(p float64) int64 {
			return latencies[int(float64(len(latencies)-1)*p)].Milliseconds()
		}
		s.LatencyMS["min"] = latencies[0].Milliseconds()
		s.LatencyMS["p50"] = pick(0.50)
		s.LatencyMS["p90"] = pick(0.90)
		s.LatencyMS["p99"] = pick(0.99)
		s.LatencyMS["max"] = latencies[len(latencies)-1].Milliseconds()
	}
	return s
}

func printSummary(s summary) {
	fmt.Println("--- Load Test Summary ---")
	fmt.Printf("Target: %s\n", s.Target)
	fmt.Printf("Requests: %d  Concurrency: %d  Errors: %d\n", s.Requests, s.Concurrency, s.Errors)
	fmt.Printf("Duration: %dms  Throughput: %.2f req/s\n", s.DurationMS, s.ThroughputRPS)

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(s.StatusCodes))
	for code := range s.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, s.StatusCodes[code])
	}

	fmt.Println("\nDedup:")
	for _, k := range []string{"miss", "hit", "bypass"} {
		fmt.Printf("  %s -> %d\n", k, s.Dedup[k])
	}

	if len(s.LatencyMS) > 0 {
		fmt.Printf("\nLatency (ms): min=%d p50=%d p90=%d p99=%d max=%d\n",
			s.LatencyMS["min"], s.LatencyMS["p50"], s.LatencyMS["p90"], s.LatencyMS["p99"], s.LatencyMS["max"])
	}
}

package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/angeloszaimis/llm-gateway/internal/faults"
)

const (
	ewmaAlpha = 0.2

	// defaultMaxResponseBytes bounds what is buffered from a provider.
	defaultMaxResponseBytes = 8 << 20
	// maxErrorBytes bounds what is kept from an error body for logging.
	maxErrorBytes = 512
)

// ErrResponseTooLarge is returned for replies over the provider's size limit.
var ErrResponseTooLarge = errors.New("upstream: response too large")

// Provider is one upstream LLM API with in-flight tracking and response time
// monitoring.
type Provider struct {
	name    string
	url     *url.URL
	client  *http.Client
	headers http.Header
	maxBody int64

	mutex            sync.Mutex
	activeRequests   int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

type Option func(*Provider)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

// WithHeader adds a header to every request, typically credentials.
func WithHeader(key, value string) Option {
	return func(p *Provider) { p.headers.Set(key, value) }
}

// WithMaxResponseBytes bounds the buffered reply. Larger replies fail with
// ErrResponseTooLarge.
func WithMaxResponseBytes(n int64) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// New creates a Provider for the API rooted at baseURL.
func New(name string, baseURL *url.URL, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		url:     baseURL,
		client:  &http.Client{},
		headers: make(http.Header),
		maxBody: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request is a non-streaming call relative to the provider base URL.
type Request struct {
	Path   string
	Body   []byte
	Header http.Header
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Complete forwards req and buffers the reply. Statuses >= 400 come back as
// *faults.StatusError; the provider body is never passed through.
func (p *Provider) Complete(ctx context.Context, req Request) (*Response, error) {
	p.incrementActive()
	defer p.decrementActive()

	target := p.url.JoinPath(strings.TrimPrefix(req.Path, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", p.name, err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	for key, values := range p.headers {
		httpReq.Header[key] = values
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, &faults.StatusError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", p.name, err)
	}
	if int64(len(body)) > p.maxBody {
		return nil, fmt.Errorf("%s replied with more than %d bytes: %w", p.name, p.maxBody, ErrResponseTooLarge)
	}
	p.RecordResponse(time.Since(start))

	header := make(http.Header)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) incrementActive() {
	p.mutex.Lock()
	p.activeRequests++
	p.mutex.Unlock()
}

func (p *Provider) decrementActive() {
	p.mutex.Lock()
	if p.activeRequests > 0 {
		p.activeRequests--
	}
	p.mutex.Unlock()
}

// ActiveRequests returns the number of calls currently in flight.
func (p *Provider) ActiveRequests() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.activeRequests
}

// RecordResponse updates the exponentially weighted moving average (EWMA)
// response time using the latest successful call.
func (p *Provider) RecordResponse(duration time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.hasEWMA {
		p.ewmaResponseTime = duration
		p.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	p.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(p.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns 0 until a response has been recorded.
func (p *Provider) EWMATime() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.hasEWMA {
		return 0
	}
	return p.ewmaResponseTime
}

type Snapshot struct {
	Name           string        `json:"name"`
	URL            string        `json:"url"`
	ActiveRequests int           `json:"active_requests"`
	EWMA           time.Duration `json:"ewma_response"`
}

func (p *Provider) Snapshot() Snapshot {
	return Snapshot{
		Name:           p.name,
		URL:            p.url.String(),
		ActiveRequests: p.ActiveRequests(),
		EWMA:           p.EWMATime(),
	}
}

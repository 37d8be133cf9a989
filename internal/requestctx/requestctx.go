package requestctx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/llm-gateway/internal/ratelimit"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
)

// RequestContext is what the resilience layer knows about an inbound request.
// It is read-only once built.
type RequestContext struct {
	RequestID string
	AgentID   string
	UserID    string
	IP        string
	Endpoint  string
	Timestamp time.Time
}

// FromRequest builds a RequestContext from r. The agent comes from the
// {agent} path value, the user from X-User-ID set by the auth layer in front
// of the gateway. A missing X-Request-ID gets a fresh UUID.
func FromRequest(r *http.Request, endpoint string, proxies TrustedProxies) RequestContext {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return RequestContext{
		RequestID: requestID,
		AgentID:   r.PathValue("agent"),
		UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
		IP:        proxies.ClientIP(r),
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}
}

// TrustedProxies are the networks allowed to report the client address in
// X-Forwarded-For. The zero value trusts nobody.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies parses CIDRs such as "10.0.0.0/8".
func ParseTrustedProxies(cidrs []string) (TrustedProxies, error) {
	proxies := make(TrustedProxies, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		proxies = append(proxies, prefix.Masked())
	}
	return proxies, nil
}

func (t TrustedProxies) trusts(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address unless the peer is a trusted proxy. Then
// it walks X-Forwarded-For from the right and returns the first hop that is
// not itself trusted.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	client := peerHost(r)
	if !t.trusts(client) {
		return client
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		client = hop
		if !t.trusts(hop) {
			break
		}
	}
	return client
}

// ClientIP is the peer address of r. Forwarding headers are ignored.
func ClientIP(r *http.Request) string {
	return TrustedProxies(nil).ClientIP(r)
}

func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitKeys derives the per-IP, per-user and per-agent-endpoint keys. The
// user key is omitted for anonymous requests.
func (rc RequestContext) RateLimitKeys() []ratelimit.Key {
	keys := make([]ratelimit.Key, 0, 3)
	if rc.IP != "" {
		keys = append(keys, ratelimit.NewKey(ratelimit.DimensionIP, rc.IP))
	}
	if rc.UserID != "" {
		keys = append(keys, ratelimit.NewKey(ratelimit.DimensionUser, rc.UserID))
	}
	keys = append(keys, ratelimit.NewKey(ratelimit.DimensionAgentEndpoint, rc.AgentID+"|"+rc.Endpoint))
	return keys
}

type contextKey struct{}

func NewContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	return rc, ok
}

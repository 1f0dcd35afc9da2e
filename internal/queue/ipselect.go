package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IPSelectRequest is the input to a Selector decision: (sender, recipients,
// subject, timestamp), per spec.md §4.9.
type IPSelectRequest struct {
	Sender     string
	Recipients []string
	Subject    string
	Timestamp  time.Time
}

// Selector picks an outbound source IP for a send attempt. A nil result
// with a nil error means "use the default route" — no explicit bind.
type Selector interface {
	Select(ctx context.Context, req IPSelectRequest) (net.Addr, error)
}

// NilSelector never selects a specific source IP, the default when
// ip_selection is disabled in config.
type NilSelector struct{}

func (NilSelector) Select(context.Context, IPSelectRequest) (net.Addr, error) { return nil, nil }

// FixedSelector always binds to the same configured IPv4 address, used as
// the fallback_ip behavior when the remote API is unavailable.
type FixedSelector struct {
	IP string
}

func (f FixedSelector) Select(context.Context, IPSelectRequest) (net.Addr, error) {
	if f.IP == "" {
		return nil, nil
	}
	return &net.TCPAddr{IP: net.ParseIP(f.IP)}, nil
}

// cacheKey is keyed by (sender-domain, first-recipient-domain), exactly
// the granularity spec.md §4.4 names for the 5-minute result cache.
func cacheKey(req IPSelectRequest) string {
	senderDomain := domainOf(req.Sender)
	recipientDomain := ""
	if len(req.Recipients) > 0 {
		recipientDomain = domainOf(req.Recipients[0])
	}
	return "mailstackd:ipselect:" + senderDomain + ":" + recipientDomain
}

func domainOf(addr string) string {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	idx := strings.LastIndex(addr, "@")
	if idx < 0 || idx == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[idx+1:])
}

// RedisCachedSelector wraps an upstream Selector (typically an HTTP-backed
// decision API) with a redis-cached front, since the decision is expensive
// enough (a remote API round trip) to be worth caching per domain pair.
type RedisCachedSelector struct {
	upstream Selector
	client   *redis.Client
	ttl      time.Duration
	fallback Selector
}

// NewRedisCachedSelector builds a cached decorator around upstream. fallback
// answers whenever the redis client is unreachable or upstream returns an
// error; a nil fallback means upstream itself, so a cache outage then
// degrades to direct (uncached) upstream calls rather than failing sends.
func NewRedisCachedSelector(upstream Selector, client *redis.Client, ttl time.Duration, fallback Selector) *RedisCachedSelector {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if fallback == nil {
		fallback = upstream
	}
	return &RedisCachedSelector{upstream: upstream, client: client, ttl: ttl, fallback: fallback}
}

func (s *RedisCachedSelector) Select(ctx context.Context, req IPSelectRequest) (net.Addr, error) {
	key := cacheKey(req)

	if cached, err := s.client.Get(ctx, key).Result(); err == nil {
		if cached == "" {
			return nil, nil
		}
		return &net.TCPAddr{IP: net.ParseIP(cached)}, nil
	} else if err != redis.Nil {
		return s.fallback.Select(ctx, req)
	}

	addr, err := s.upstream.Select(ctx, req)
	if err != nil {
		return s.fallback.Select(ctx, req)
	}

	value := ""
	if addr != nil {
		if tcpAddr, ok := addr.(*net.TCPAddr); ok {
			value = tcpAddr.IP.String()
		}
	}
	_ = s.client.Set(ctx, key, value, s.ttl).Err()

	return addr, nil
}

var _ Selector = (*RedisCachedSelector)(nil)
var _ Selector = NilSelector{}
var _ Selector = FixedSelector{}

// httpSelectResponse is the decision API's response body: an IPv4/IPv6
// literal, or empty to mean "use the default route".
type httpSelectResponse struct {
	IP string `json:"ip"`
}

// HTTPSelector asks a remote decision API which source IP to send from,
// per spec.md §4.9's pluggable selection API. Retries are left to the
// caller (RedisCachedSelector's fallback, or FixedSelector) rather than
// retried here, since a slow decision API shouldn't hold up a delivery
// attempt past its own timeout.
type HTTPSelector struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSelector builds an HTTPSelector posting each request to url.
func NewHTTPSelector(url string, timeout time.Duration) *HTTPSelector {
	return &HTTPSelector{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (s *HTTPSelector) Select(ctx context.Context, req IPSelectRequest) (net.Addr, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ipselect: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ipselect: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ipselect: calling decision api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipselect: decision api returned status %d", resp.StatusCode)
	}

	var decoded httpSelectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("ipselect: decoding response: %w", err)
	}
	if decoded.IP == "" {
		return nil, nil
	}
	return &net.TCPAddr{IP: net.ParseIP(decoded.IP)}, nil
}

var _ Selector = (*HTTPSelector)(nil)

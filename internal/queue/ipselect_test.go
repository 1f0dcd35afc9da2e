package queue

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDomainOf(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"alice@example.com", "example.com"},
		{"<alice@example.com>", "example.com"},
		{"noat", ""},
	}
	for _, tt := range tests {
		if got := domainOf(tt.addr); got != tt.want {
			t.Errorf("domainOf(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestNilSelector_AlwaysDefault(t *testing.T) {
	addr, err := NilSelector{}.Select(context.Background(), IPSelectRequest{})
	if addr != nil || err != nil {
		t.Errorf("expected nil, nil; got %v, %v", addr, err)
	}
}

func TestFixedSelector(t *testing.T) {
	s := FixedSelector{IP: "10.0.0.5"}
	addr, err := s.Select(context.Background(), IPSelectRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.IP.String() != "10.0.0.5" {
		t.Errorf("expected bind to 10.0.0.5, got %v", addr)
	}

	empty := FixedSelector{}
	addr2, _ := empty.Select(context.Background(), IPSelectRequest{})
	if addr2 != nil {
		t.Errorf("expected nil addr for unset FixedSelector, got %v", addr2)
	}
}

type countingUpstream struct {
	calls int
	addr  net.Addr
}

func (c *countingUpstream) Select(context.Context, IPSelectRequest) (net.Addr, error) {
	c.calls++
	return c.addr, nil
}

func TestRedisCachedSelector_CachesAcrossCalls(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	upstream := &countingUpstream{addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.9")}}
	sel := NewRedisCachedSelector(upstream, client, time.Minute, nil)

	req := IPSelectRequest{Sender: "a@example.com", Recipients: []string{"b@example.org"}}

	for i := 0; i < 3; i++ {
		addr, err := sel.Select(context.Background(), req)
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		tcp, ok := addr.(*net.TCPAddr)
		if !ok || tcp.IP.String() != "192.0.2.9" {
			t.Fatalf("unexpected addr %v", addr)
		}
	}

	if upstream.calls != 1 {
		t.Errorf("expected upstream called once (rest served from cache), got %d calls", upstream.calls)
	}
}

func TestRedisCachedSelector_FallsBackWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	upstream := &countingUpstream{addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.9")}}
	fallback := &countingUpstream{addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.10")}}
	sel := NewRedisCachedSelector(upstream, client, time.Minute, fallback)

	addr, err := sel.Select(context.Background(), IPSelectRequest{Sender: "a@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.IP.String() != "192.0.2.10" {
		t.Errorf("expected fallback addr 192.0.2.10, got %v", addr)
	}
	if fallback.calls != 1 {
		t.Errorf("expected fallback selector invoked once, got %d", fallback.calls)
	}
}

package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/acers/internal/clock"
	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/message"
)

const (
	// maxRejections is the number of rejected tokens from one address
	// before it is locked out of authz-info.
	maxRejections = 20
	// baseLockout doubles with every further rejection up to maxLockout.
	baseLockout = time.Minute
	maxLockout  = 30 * time.Minute
	// rejectionExpiry forgets an address this long after its last
	// rejection.
	rejectionExpiry = time.Hour
)

// rejectionLimiter locks an address out of authz-info after repeated
// rejected tokens.
type rejectionLimiter struct {
	mu    sync.Mutex
	clock clock.Clock
	peers map[string]*rejections
}

type rejections struct {
	count       int
	last        time.Time
	lockedUntil time.Time
}

func newRejectionLimiter(c clock.Clock) *rejectionLimiter {
	return &rejectionLimiter{clock: c, peers: map[string]*rejections{}}
}

// blocked reports whether addr is locked out and for how long.
func (l *rejectionLimiter) blocked(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.peers[addr]
	if !ok {
		return false, 0
	}
	now := l.clock.Now()
	if now.Sub(rec.last) > rejectionExpiry {
		delete(l.peers, addr)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (l *rejectionLimiter) reject(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.peers[addr]
	if !ok {
		rec = &rejections{}
		l.peers[addr] = rec
	}
	rec.count++
	rec.last = l.clock.Now()
	if rec.count < maxRejections {
		return
	}
	lockout := baseLockout
	for i := maxRejections; i < rec.count && lockout < maxLockout; i++ {
		lockout *= 2
	}
	rec.lockedUntil = rec.last.Add(min(lockout, maxLockout))
}

func (l *rejectionLimiter) admitted(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, addr)
}

func (l *rejectionLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for addr, rec := range l.peers {
		if now.Sub(rec.last) > rejectionExpiry {
			delete(l.peers, addr)
		}
	}
}

// SweepRateLimits forgets addresses whose last rejection has expired.
func (a *API) SweepRateLimits() {
	a.limiter.sweep()
}

// writeRateLimited sends 429 with a CBOR error payload.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(max(int(retryAfter.Seconds()), 1)))
	w.Header().Set("Content-Type", introspect.ContentType)
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write(message.ErrorPayload(message.InvalidRequest, "too many rejected tokens; try again later"))
}

// clientAddr returns the address a request is rate limited under. The
// X-Forwarded-For and X-Real-IP headers are only honored when the direct
// peer is one of the trusted proxies.
func (a *API) clientAddr(r *http.Request) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return ""
	}
	if !a.trustedPeer(peer) {
		return peer.String()
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for part := range strings.SplitSeq(xff, ",") {
			if addr, ok := parseAddr(part); ok {
				return addr.String()
			}
		}
	}
	if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return addr.String()
	}
	return peer.String()
}

func (a *API) trustedPeer(peer netip.Addr) bool {
	for _, p := range a.trustedProxies {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// parseAddr accepts a bare address or host:port, with or without IPv6
// brackets and zone.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

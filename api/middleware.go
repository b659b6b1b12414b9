package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/acers/key"
)

// IdentityHeader carries the authenticated sender identity when a
// terminating proxy performs client authentication.
const IdentityHeader = "X-ACE-Identity"

// senderIdentity returns the authenticated identity of the peer: the
// peer name of its client certificate key, or the identity header when
// trusted. Empty means unauthenticated.
func (a *API) senderIdentity(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		if name, err := key.PeerName(r.TLS.PeerCertificates[0].PublicKey); err == nil {
			return name
		}
	}
	if a.identityHeader {
		return strings.TrimSpace(r.Header.Get(IdentityHeader))
	}
	return ""
}

// Guard returns middleware that delivers a request to resource only when
// a token held for the sender grants the request method.
func (a *API) Guard(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sender := a.senderIdentity(r)
			res := a.access.Check(r.Context(), sender, resource, r.Method)
			a.counters.decision(resource, res.Code)
			if !res.Allowed() {
				a.audit.logFailure(AuditAccessDenied, r, res.Code.String(),
					slog.String("resource", resource),
					slog.String("verdict", res.Verdict.String()),
					slog.String("kid", res.KeyID.String()))
				writeReply(w, res.Code, res.Payload)
				return
			}
			a.audit.logEvent(AuditAccessGranted, r, res.KeyID.String(), slog.String("resource", resource))
			next.ServeHTTP(w, r)
		})
	}
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

package tokenstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/key"
)

// ErrIntrospectionReply is returned when a live introspection reply does
// not say whether the token is active.
var ErrIntrospectionReply = errors.New("introspection reply lacks active flag")

type candidate struct {
	seq    uint64
	id     []byte
	claims claims.Set
}

func (s *Store) candidates(kid key.ID) []candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []candidate
	for _, rec := range s.orderedLocked() {
		if rec.kid == string(kid) {
			out = append(out, candidate{seq: rec.seq, id: []byte(rec.id), claims: rec.claims})
		}
	}
	return out
}

// Decide determines whether the peer holding kid, authenticated as subject,
// may perform action on resource at time now. When intro is non-nil every
// token that would grant access is first confirmed active with the
// authorization server. Errors are either coded introspection failures
// (see introspect.AsError) or internal failures.
func (s *Store) Decide(ctx context.Context, kid key.ID, subject, resource, action string, now time.Time, intro introspect.Introspector) (Verdict, error) {
	cands := s.candidates(kid)
	if len(cands) == 0 {
		return NoToken, nil
	}

	methodNotAllowed := false
	for _, c := range cands {
		ok, err := s.usable(c, subject, now)
		if err != nil {
			return Forbidden, err
		}
		if !ok {
			continue
		}

		scope, err := c.claims.Text(claims.Scope)
		if err != nil {
			return Forbidden, s.inconsistent(c, "scope", err)
		}
	scopes:
		for _, sub := range strings.Fields(scope) {
			covers, err := s.scopes.CoversResource(sub, resource)
			if err != nil {
				return Forbidden, fmt.Errorf("validating scope: %w", err)
			}
			if !covers {
				continue
			}
			allowed, err := s.scopes.CoversAction(sub, resource, action)
			if err != nil {
				return Forbidden, fmt.Errorf("validating scope: %w", err)
			}
			if !allowed {
				methodNotAllowed = true
				continue
			}
			if intro == nil {
				return Allow, nil
			}
			active, err := confirmActive(ctx, intro, c.id)
			if err != nil {
				return Forbidden, err
			}
			if active {
				return Allow, nil
			}
			// The token is no longer active; none of its scopes count.
			break scopes
		}
	}

	if methodNotAllowed {
		return MethodNotAllowed, nil
	}
	return Forbidden, nil
}

// usable reports whether a candidate applies to subject and is within its
// validity period.
func (s *Store) usable(c candidate, subject string, now time.Time) (bool, error) {
	if c.claims.Has(claims.Sub) {
		sub, err := c.claims.Text(claims.Sub)
		if err != nil {
			return false, s.inconsistent(c, "sub", err)
		}
		if subject == "" || sub != subject {
			return false, nil
		}
	}
	expired, err := c.claims.Expired(now)
	if err != nil {
		return false, s.inconsistent(c, "exp", err)
	}
	if expired {
		return false, nil
	}
	early, err := c.claims.NotYetValid(now)
	if err != nil {
		return false, s.inconsistent(c, "nbf", err)
	}
	return !early, nil
}

func (s *Store) inconsistent(c candidate, claim string, err error) error {
	s.logger.Error("stored token violates claim types",
		slog.String("cti", hex.EncodeToString(c.id)),
		slog.String("claim", claim),
		slog.String("error", err.Error()))
	return fmt.Errorf("%w: %s: %w", ErrConsistency, claim, err)
}

func confirmActive(ctx context.Context, intro introspect.Introspector, id []byte) (bool, error) {
	reply, err := intro.Introspect(ctx, id)
	if err != nil {
		return false, err
	}
	if reply == nil {
		return false, nil
	}
	active, err := reply.Bool(claims.Active)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIntrospectionReply, err)
	}
	return active, nil
}

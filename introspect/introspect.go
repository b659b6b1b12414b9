// Package introspect asks the authorization server whether a token is
// active and what claims it carries.
package introspect

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/message"
)

// Introspector resolves a token (a reference token or the id of a
// self-contained token) to its current claims. A nil set with a nil error
// means the authorization server does not know the token.
type Introspector interface {
	Introspect(ctx context.Context, token []byte) (claims.Set, error)
}

// Error is a coded failure reported by the authorization server.
type Error struct {
	Code        message.Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("introspection failed: %s", e.Code)
	}
	return fmt.Sprintf("introspection failed: %s: %s", e.Code, e.Description)
}

// Static is an Introspector backed by a fixed table, keyed by the token
// bytes. It is safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]claims.Set
	err    error
	calls  int
}

var _ Introspector = (*Static)(nil)

// NewStatic returns an empty Static introspector.
func NewStatic() *Static {
	return &Static{tokens: map[string]claims.Set{}}
}

// Set registers the claims returned for token.
func (s *Static) Set(token []byte, c claims.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[string(token)] = c.Clone()
}

// Delete forgets token.
func (s *Static) Delete(token []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, string(token))
}

// FailWith makes every following call return err until called with nil.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of Introspect calls made.
func (s *Static) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *Static) Introspect(_ context.Context, token []byte) (claims.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.tokens[string(token)]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

// Package access guards resource requests: it maps the authenticated
// sender of a request to its proof-of-possession key and asks the token
// store whether a token bound to that key grants the request.
package access

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"github.com/jmcleod/acers/internal/clock"
	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/key"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/tokenstore"
)

// AuthzInfoPath is the token upload resource. It is never subject to
// access control.
const AuthzInfoPath = "authz-info"

// labelKeyID is the COSE_Key kid label used in kid-map identities.
const labelKeyID = 2

// Result is the outcome of an access check.
type Result struct {
	Code message.Code
	// Payload is the AS-info or error payload sent with a refusal.
	Payload []byte
	KeyID   key.ID
	Verdict tokenstore.Verdict
}

// Allowed reports whether the request may be delivered.
func (r Result) Allowed() bool {
	return r.Code == message.OK
}

// Interceptor runs the access decision for incoming requests.
type Interceptor struct {
	store  *tokenstore.Store
	asInfo []byte
	intro  introspect.Introspector
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithIntrospector makes every granting decision confirm with the
// authorization server that the token is still active.
func WithIntrospector(i introspect.Introspector) Option {
	return func(in *Interceptor) {
		in.intro = i
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(in *Interceptor) {
		in.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interceptor) {
		in.logger = l
	}
}

// New returns an Interceptor deciding against store. asInfo is sent to
// refused clients so they can find the authorization server.
func New(store *tokenstore.Store, asInfo message.ASInfo, opts ...Option) *Interceptor {
	in := &Interceptor{
		store:  store,
		asInfo: asInfo.Marshal(),
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// IsAuthzInfo reports whether path addresses the token upload resource,
// with or without a trailing slash.
func IsAuthzInfo(path string) bool {
	p := strings.TrimSuffix(path, "/")
	return p == AuthzInfoPath || strings.HasSuffix(p, "/"+AuthzInfoPath)
}

// Resource returns the resource name for a request path.
func Resource(path string) string {
	return strings.Trim(path, "/")
}

func (in *Interceptor) refuse(code message.Code, v tokenstore.Verdict, kid key.ID) Result {
	return Result{Code: code, Payload: in.asInfo, Verdict: v, KeyID: kid}
}

// Check decides whether sender may apply action to resource. sender is
// the authenticated identity of the peer, empty when unauthenticated.
func (in *Interceptor) Check(ctx context.Context, sender, resource, action string) Result {
	if sender == "" {
		in.logger.Warn("unauthenticated client tried to get access", slog.String("resource", resource))
		return in.refuse(message.Unauthorized, tokenstore.NoToken, nil)
	}

	kid, ok := in.KeyID(sender)
	if !ok {
		return in.refuse(message.Unauthorized, tokenstore.NoToken, nil)
	}

	v, err := in.store.Decide(ctx, kid, sender, resource, action, in.clock.Now(), in.intro)
	if err != nil {
		return in.failure(err, kid)
	}
	switch v {
	case tokenstore.Allow:
		return Result{Code: message.OK, Verdict: v, KeyID: kid}
	case tokenstore.NoToken:
		return in.refuse(message.Unauthorized, v, kid)
	case tokenstore.Forbidden:
		return in.refuse(message.Forbidden, v, kid)
	case tokenstore.MethodNotAllowed:
		return in.refuse(message.MethodNotAllowed, v, kid)
	default:
		in.logger.Error("unknown access verdict", slog.String("verdict", v.String()))
		return Result{Code: message.InternalServerError, KeyID: kid}
	}
}

func (in *Interceptor) failure(err error, kid key.ID) Result {
	if e, ok := introspect.AsError(err); ok {
		in.logger.Info("introspection refused access", slog.String("code", e.Code.String()), slog.String("error", err.Error()))
		return Result{Code: e.Code, Payload: message.ErrorPayload(message.InvalidRequest, e.Description), KeyID: kid}
	}
	if errors.Is(err, tokenstore.ErrConsistency) {
		in.logger.Error("token store inconsistent", slog.String("kid", kid.String()), slog.String("error", err.Error()))
	} else {
		in.logger.Error("access decision failed", slog.String("kid", kid.String()), slog.String("error", err.Error()))
	}
	return Result{Code: message.InternalServerError, KeyID: kid}
}

// KeyID maps a sender identity to a key id: first through the subject
// bindings of the token store, then by reading the identity as a Base64
// CBOR map carrying a kid.
func (in *Interceptor) KeyID(sender string) (key.ID, bool) {
	if kid, ok := in.store.KeyIDForSubject(sender); ok {
		return kid, true
	}
	return KeyIDFromMap(sender)
}

// KeyIDFromMap decodes a Base64 CBOR map identity and returns its kid
// entry, which must be a byte string.
func KeyIDFromMap(identity string) (key.ID, bool) {
	raw, err := base64.StdEncoding.DecodeString(identity)
	if err != nil {
		return nil, false
	}
	params, err := message.Parameters(raw)
	if err != nil {
		return nil, false
	}
	v, ok := params[labelKeyID]
	if !ok {
		return nil, false
	}
	if k, _ := codec.Classify(v); k != codec.KindBytes {
		return nil, false
	}
	var kid []byte
	if err := codec.Unmarshal(v, &kid); err != nil || len(kid) == 0 {
		return nil, false
	}
	return key.ID(kid), true
}

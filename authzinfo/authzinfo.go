// Package authzinfo implements the authz-info endpoint: it validates
// access tokens posted by clients and admits them into the token store.
package authzinfo

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/cose"
	"github.com/jmcleod/acers/internal/clock"
	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/tokenstore"
)

// Endpoint validates and admits tokens.
type Endpoint struct {
	store    *tokenstore.Store
	issuers  []string
	audience tokenstore.AudienceValidator
	crypto   *cose.Context
	intro    introspect.Introspector
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithIntrospector enables reference tokens and live claim refresh of
// self-contained tokens.
func WithIntrospector(i introspect.Introspector) Option {
	return func(e *Endpoint) {
		e.intro = i
	}
}

// WithClock sets the time source for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(e *Endpoint) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		e.logger = l
	}
}

// New returns an Endpoint admitting tokens from the given issuers into
// store. crypto verifies self-contained tokens and may be nil when only
// reference tokens are accepted.
func New(store *tokenstore.Store, issuers []string, audience tokenstore.AudienceValidator, crypto *cose.Context, opts ...Option) *Endpoint {
	e := &Endpoint{
		store:    store,
		issuers:  slices.Clone(issuers),
		audience: audience,
		crypto:   crypto,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is a successful admission.
type Result struct {
	TokenID []byte
	Claims  claims.Set
}

// Process handles an authz-info request and returns the reply.
func (e *Endpoint) Process(ctx context.Context, msg message.Message) message.Message {
	reply, _ := e.Evaluate(ctx, msg)
	return reply
}

// Evaluate is Process that also returns the *Failure behind an error
// reply, nil when the token was admitted.
func (e *Endpoint) Evaluate(ctx context.Context, msg message.Message) (message.Message, error) {
	res, err := e.Admit(ctx, msg.RawPayload(), msg.SenderID())
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = internal(err)
		}
		return msg.FailReply(f.Code, f.Payload()), f
	}

	reply := map[int64]any{int64(claims.Cti): res.TokenID}
	if v, ok := res.Claims[claims.ClientToken]; ok {
		reply[int64(claims.ClientToken)] = v
	}
	payload, err := codec.Marshal(reply)
	if err != nil {
		return msg.FailReply(message.InternalServerError, nil), internal(err)
	}
	return msg.SuccessReply(message.Created, payload), nil
}

// Admit validates token and stores it. sender is the authenticated
// identity of the submitting peer, if any. Every error is a *Failure.
func (e *Endpoint) Admit(ctx context.Context, token []byte, sender string) (Result, error) {
	c, f := e.claims(ctx, token)
	if f == nil {
		f = e.validate(c)
	}
	if f != nil {
		e.logger.Info("token rejected",
			slog.String("code", f.Code.String()),
			slog.String("reason", f.Description),
			slog.Any("error", f.Err))
		return Result{}, f
	}

	id, err := e.store.Admit(c, sender)
	if err != nil {
		f := storeFailure(err)
		level := slog.LevelInfo
		if f.Code == message.InternalServerError {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "token not stored",
			slog.String("code", f.Code.String()),
			slog.String("error", err.Error()))
		return Result{}, f
	}

	stored, _ := e.store.Info(id)
	return Result{TokenID: id, Claims: stored.Claims}, nil
}

// claims extracts the claim set of a reference or self-contained token.
func (e *Endpoint) claims(ctx context.Context, token []byte) (claims.Set, *Failure) {
	if err := codec.Valid(token); err != nil {
		return nil, fail(message.BadRequest, message.InvalidRequest, "Unknown token format", err)
	}
	kind, _ := codec.Classify(token)
	switch kind {
	case codec.KindBytes:
		return e.reference(ctx, token)
	case codec.KindArray, codec.KindTag:
		return e.selfContained(ctx, token)
	default:
		return nil, fail(message.BadRequest, message.InvalidRequest, "Unknown token format", nil)
	}
}

func (e *Endpoint) reference(ctx context.Context, token []byte) (claims.Set, *Failure) {
	var ref []byte
	if err := codec.Unmarshal(token, &ref); err != nil {
		return nil, fail(message.BadRequest, message.InvalidRequest, "Unknown token format", err)
	}
	if e.intro == nil {
		return nil, internal(ErrNoIntrospector)
	}
	c, err := e.intro.Introspect(ctx, ref)
	if err != nil {
		return nil, introspectionFailure(err)
	}
	if c == nil {
		c = claims.Set{}
	}
	// An unknown token, or a reply that does not vouch for it, is inactive.
	if !c.Has(claims.Active) {
		if err := c.Put(claims.Active, false); err != nil {
			return nil, internal(err)
		}
	}
	return c, nil
}

func (e *Endpoint) selfContained(ctx context.Context, token []byte) (claims.Set, *Failure) {
	if e.crypto == nil {
		return nil, internal(ErrNoCryptoContext)
	}
	payload, err := cose.Process(token, e.crypto)
	if errors.Is(err, cose.ErrUnsupportedAlgorithm) {
		return nil, fail(message.NotImplemented, 0, "", err)
	}
	if err != nil {
		return nil, fail(message.BadRequest, message.UnauthorizedClient, "Token is invalid", err)
	}
	c, err := claims.Decode(payload)
	if err != nil {
		return nil, fail(message.BadRequest, message.UnauthorizedClient, "Token is invalid", err)
	}

	if e.intro != nil && c.Has(claims.Cti) {
		if cti, err := c.Bytes(claims.Cti); err == nil {
			live, err := e.intro.Introspect(ctx, cti)
			if err != nil {
				return nil, introspectionFailure(err)
			}
			c.Merge(live)
		}
	}
	return c, nil
}

// validate applies the claim checks in order, stopping at the first
// failure.
func (e *Endpoint) validate(c claims.Set) *Failure {
	if c.Has(claims.Active) {
		active, err := c.Bool(claims.Active)
		if err != nil {
			return fail(message.BadRequest, message.InvalidRequest, "Malformed active claim", err)
		}
		if !active {
			return fail(message.Unauthorized, message.UnauthorizedClient, "Token is not active", nil)
		}
	}

	expired, err := c.Expired(e.clock.Now())
	if err != nil {
		return fail(message.BadRequest, message.InvalidRequest, "Malformed expiration", err)
	}
	if expired {
		return fail(message.Unauthorized, message.UnauthorizedClient, "Token is expired", nil)
	}

	iss, err := c.Text(claims.Iss)
	if err != nil {
		return claimFailure(message.InvalidRequest, "Token has no issuer", "Issuer malformed", err)
	}
	if !slices.Contains(e.issuers, iss) {
		return fail(message.Unauthorized, message.InvalidRequest, "Token issuer unknown", nil)
	}

	auds, err := c.Audiences()
	if err != nil {
		return claimFailure(message.InvalidRequest, "Token has no audience", "Audience malformed", err)
	}
	if !slices.ContainsFunc(auds, e.audience.Match) {
		return fail(message.Unauthorized, message.UnauthorizedClient, "Audience does not apply", nil)
	}

	if _, err := c.Text(claims.Scope); err != nil {
		return claimFailure(message.InvalidScope, "Token has no scope", "Scope malformed", err)
	}
	return nil
}

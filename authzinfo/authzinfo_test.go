package authzinfo

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/cnf"
	"github.com/jmcleod/acers/cose"
	"github.com/jmcleod/acers/internal/clock"
	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/introspect"
	"github.com/jmcleod/acers/key"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/storage/memory"
	"github.com/jmcleod/acers/tokenstore"
)

var (
	now    = time.Unix(1_700_000_000, 0)
	secret = []byte("0123456789abcdef0123456789abcdef")
)

type fixture struct {
	store    *tokenstore.Store
	repo     *memory.Repository
	crypto   *cose.Context
	intro    *introspect.Static
	endpoint *Endpoint
}

func newFixture(t *testing.T, withIntro bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, err := cose.NewMAC0(cose.AlgHMAC256, secret)
	require.NoError(t, err)

	validator := tokenstore.NewKissValidator([]string{"rs1"}, map[string]map[string][]string{
		"r_temp": {"temp": {"GET"}},
	})
	repo := memory.NewRepository()
	store, err := tokenstore.New(repo, validator,
		tokenstore.WithLogger(logger), tokenstore.WithResolver(cnf.NewResolver(ctx)))
	require.NoError(t, err)

	f := &fixture{store: store, repo: repo, crypto: ctx, intro: introspect.NewStatic()}
	opts := []Option{WithClock(clock.NewFake(now)), WithLogger(logger)}
	if withIntro {
		opts = append(opts, WithIntrospector(f.intro))
	}
	f.endpoint = New(store, []string{"as"}, validator, ctx, opts...)
	return f
}

func psk(t *testing.T, kid string) claims.Confirmation {
	t.Helper()
	k, err := key.FromSymmetric(key.ID(kid), []byte("psk-"+kid))
	require.NoError(t, err)
	data, err := key.Marshal(k)
	require.NoError(t, err)
	return claims.PlainKey{Key: data}
}

func baseClaims(t *testing.T) claims.Set {
	t.Helper()
	c := claims.Set{}
	require.NoError(t, c.Put(claims.Iss, "as"))
	require.NoError(t, c.Put(claims.Aud, "rs1"))
	require.NoError(t, c.Put(claims.Scope, "r_temp"))
	require.NoError(t, c.Put(claims.Exp, now.Add(time.Hour).Unix()))
	require.NoError(t, c.SetConfirmation(psk(t, "K1")))
	return c
}

func (f *fixture) cwt(t *testing.T, c claims.Set) []byte {
	t.Helper()
	payload, err := c.Encode()
	require.NoError(t, err)
	token, err := cose.Create(payload, f.crypto)
	require.NoError(t, err)
	return token
}

func (f *fixture) post(t *testing.T, token []byte, sender string) message.Message {
	t.Helper()
	return f.endpoint.Process(t.Context(), message.NewRequest(token, sender))
}

func requireError(t *testing.T, reply message.Message, code message.Code, ec message.ErrorCode, desc string) {
	t.Helper()
	require.Equal(t, code, reply.Code())
	got, gotDesc, err := message.ParseError(reply.RawPayload())
	require.NoError(t, err)
	assert.Equal(t, ec, got)
	assert.Equal(t, desc, gotDesc)
}

func TestProcessAdmitsCWT(t *testing.T) {
	f := newFixture(t, false)
	c := baseClaims(t)
	require.NoError(t, c.Put(claims.Cti, []byte("tok-1")))
	require.NoError(t, c.Put(claims.ClientToken, []byte("for-client")))

	reply := f.post(t, f.cwt(t, c), "")
	require.Equal(t, message.Created, reply.Code())

	params, err := reply.Parameters()
	require.NoError(t, err)
	var cti, ct []byte
	require.NoError(t, codec.Unmarshal(params[int64(claims.Cti)], &cti))
	require.NoError(t, codec.Unmarshal(params[int64(claims.ClientToken)], &ct))
	assert.Equal(t, []byte("tok-1"), cti)
	assert.Equal(t, []byte("for-client"), ct)

	assert.True(t, f.store.HasKey(key.ID("K1")))
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.repo.Saves())
}

func TestProcessSynthesizesTokenID(t *testing.T) {
	f := newFixture(t, false)
	reply := f.post(t, f.cwt(t, baseClaims(t)), "")
	require.Equal(t, message.Created, reply.Code())

	params, err := reply.Parameters()
	require.NoError(t, err)
	var cti []byte
	require.NoError(t, codec.Unmarshal(params[int64(claims.Cti)], &cti))
	assert.Len(t, cti, 16)
	_, hasClientToken := params[int64(claims.ClientToken)]
	assert.False(t, hasClientToken)

	info, ok := f.store.Info(cti)
	require.True(t, ok)
	stored, err := info.Claims.Bytes(claims.Cti)
	require.NoError(t, err)
	assert.Equal(t, cti, stored)
}

func TestProcessRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, c claims.Set)
		code   message.Code
		ec     message.ErrorCode
		desc   string
	}{
		{
			name:   "inactive",
			mutate: func(t *testing.T, c claims.Set) { require.NoError(t, c.Put(claims.Active, false)) },
			code:   message.Unauthorized, ec: message.UnauthorizedClient, desc: "Token is not active",
		},
		{
			name:   "expired",
			mutate: func(t *testing.T, c claims.Set) { require.NoError(t, c.Put(claims.Exp, now.Add(-time.Second).Unix())) },
			code:   message.Unauthorized, ec: message.UnauthorizedClient, desc: "Token is expired",
		},
		{
			name:   "no issuer",
			mutate: func(_ *testing.T, c claims.Set) { delete(c, claims.Iss) },
			code:   message.BadRequest, ec: message.InvalidRequest, desc: "Token has no issuer",
		},
		{
			name:   "unknown issuer",
			mutate: func(t *testing.T, c claims.Set) { require.NoError(t, c.Put(claims.Iss, "other")) },
			code:   message.Unauthorized, ec: message.InvalidRequest, desc: "Token issuer unknown",
		},
		{
			name:   "no audience",
			mutate: func(_ *testing.T, c claims.Set) { delete(c, claims.Aud) },
			code:   message.BadRequest, ec: message.InvalidRequest, desc: "Token has no audience",
		},
		{
			name:   "malformed audience",
			mutate: func(t *testing.T, c claims.Set) { require.NoError(t, c.Put(claims.Aud, 42)) },
			code:   message.BadRequest, ec: message.InvalidRequest, desc: "Audience malformed",
		},
		{
			name:   "foreign audience",
			mutate: func(t *testing.T, c claims.Set) { require.NoError(t, c.Put(claims.Aud, []string{"rs2", "rs3"})) },
			code:   message.Unauthorized, ec: message.UnauthorizedClient, desc: "Audience does not apply",
		},
		{
			name:   "no scope",
			mutate: func(_ *testing.T, c claims.Set) { delete(c, claims.Scope) },
			code:   message.BadRequest, ec: message.InvalidScope, desc: "Token has no scope",
		},
		{
			name:   "no confirmation",
			mutate: func(_ *testing.T, c claims.Set) { delete(c, claims.Cnf) },
			code:   message.BadRequest, ec: message.InvalidRequest, desc: "Token has no confirmation key",
		},
		{
			name: "unknown key reference",
			mutate: func(t *testing.T, c claims.Set) {
				require.NoError(t, c.SetConfirmation(claims.KeyReference{KeyID: []byte("nope")}))
			},
			code: message.BadRequest, ec: message.InvalidRequest, desc: "Unknown key identifier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			c := baseClaims(t)
			tt.mutate(t, c)
			requireError(t, f.post(t, f.cwt(t, c), ""), tt.code, tt.ec, tt.desc)
			assert.Equal(t, 0, f.store.Len())
			assert.Equal(t, 0, f.repo.Saves())
		})
	}
}

func TestProcessAudienceArray(t *testing.T) {
	f := newFixture(t, false)
	c := baseClaims(t)
	require.NoError(t, c.Put(claims.Aud, []string{"rs2", "rs1"}))
	assert.Equal(t, message.Created, f.post(t, f.cwt(t, c), "").Code())
}

func TestProcessDuplicate(t *testing.T) {
	f := newFixture(t, false)
	c := baseClaims(t)
	require.NoError(t, c.Put(claims.Cti, []byte("tok-1")))
	token := f.cwt(t, c)

	require.Equal(t, message.Created, f.post(t, token, "").Code())
	requireError(t, f.post(t, token, ""), message.BadRequest, message.InvalidRequest, "Duplicate token identifier")
	assert.Equal(t, 1, f.store.Len())
}

func TestProcessBadTokens(t *testing.T) {
	f := newFixture(t, false)

	t.Run("unknown format", func(t *testing.T) {
		data, err := codec.Marshal("a string")
		require.NoError(t, err)
		requireError(t, f.post(t, data, ""), message.BadRequest, message.InvalidRequest, "Unknown token format")
	})

	t.Run("not cbor", func(t *testing.T) {
		requireError(t, f.post(t, []byte{0xff, 0x00}, ""), message.BadRequest, message.InvalidRequest, "Unknown token format")
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := cose.NewMAC0(cose.AlgHMAC256, []byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		payload, err := baseClaims(t).Encode()
		require.NoError(t, err)
		token, err := cose.Create(payload, other)
		require.NoError(t, err)
		requireError(t, f.post(t, token, ""), message.BadRequest, message.UnauthorizedClient, "Token is invalid")
	})

	t.Run("wrong message type", func(t *testing.T) {
		other, err := cose.NewEncrypt0(cose.AlgA128GCM, secret[:16])
		require.NoError(t, err)
		payload, err := baseClaims(t).Encode()
		require.NoError(t, err)
		token, err := cose.Create(payload, other)
		require.NoError(t, err)
		requireError(t, f.post(t, token, ""), message.BadRequest, message.UnauthorizedClient, "Token is invalid")
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		protected, err := codec.Marshal(map[int64]any{cose.HeaderAlg: 99})
		require.NoError(t, err)
		payload, err := baseClaims(t).Encode()
		require.NoError(t, err)
		body, err := codec.Marshal([]any{protected, map[int64]any{}, payload, []byte{0x01}})
		require.NoError(t, err)
		token, err := codec.Marshal(codec.RawTag{Number: uint64(cose.MAC0), Content: body})
		require.NoError(t, err)
		reply := f.post(t, token, "")
		assert.Equal(t, message.NotImplemented, reply.Code())
		assert.Empty(t, reply.RawPayload())
	})

	t.Run("reference without introspector", func(t *testing.T) {
		data, err := codec.Marshal([]byte("ref"))
		require.NoError(t, err)
		reply := f.post(t, data, "")
		assert.Equal(t, message.InternalServerError, reply.Code())
		assert.Empty(t, reply.RawPayload())
	})

	assert.Equal(t, 0, f.store.Len())
}

func TestReferenceToken(t *testing.T) {
	f := newFixture(t, true)
	ref := []byte("opaque-ref")
	data, err := codec.Marshal(ref)
	require.NoError(t, err)

	t.Run("unknown reference is inactive", func(t *testing.T) {
		requireError(t, f.post(t, data, ""), message.Unauthorized, message.UnauthorizedClient, "Token is not active")
	})

	t.Run("reply without active flag is inactive", func(t *testing.T) {
		f.intro.Set(ref, baseClaims(t))
		requireError(t, f.post(t, data, ""), message.Unauthorized, message.UnauthorizedClient, "Token is not active")
	})

	t.Run("active reference admitted", func(t *testing.T) {
		c := baseClaims(t)
		require.NoError(t, c.Put(claims.Active, true))
		require.NoError(t, c.Put(claims.Cti, []byte("ref-cti")))
		f.intro.Set(ref, c)
		reply := f.post(t, data, "client-a")
		require.Equal(t, message.Created, reply.Code())
		kid, ok := f.store.KeyIDForSubject("client-a")
		require.True(t, ok)
		assert.Equal(t, key.ID("K1"), kid)
	})

	t.Run("coded introspection failure", func(t *testing.T) {
		f.intro.FailWith(&introspect.Error{Code: message.Forbidden, Description: "not yours"})
		defer f.intro.FailWith(nil)
		requireError(t, f.post(t, data, ""), message.Forbidden, message.InvalidRequest, "not yours")
	})

	t.Run("transport failure", func(t *testing.T) {
		f.intro.FailWith(errors.New("connection refused"))
		defer f.intro.FailWith(nil)
		reply := f.post(t, data, "")
		assert.Equal(t, message.InternalServerError, reply.Code())
	})
}

func TestSelfContainedRefreshedByIntrospection(t *testing.T) {
	f := newFixture(t, true)
	c := baseClaims(t)
	require.NoError(t, c.Put(claims.Cti, []byte("tok-1")))
	token := f.cwt(t, c)

	revoked := claims.Set{}
	require.NoError(t, revoked.Put(claims.Active, false))
	f.intro.Set([]byte("tok-1"), revoked)
	requireError(t, f.post(t, token, ""), message.Unauthorized, message.UnauthorizedClient, "Token is not active")
	assert.Equal(t, 1, f.intro.Calls())

	f.intro.Delete([]byte("tok-1"))
	assert.Equal(t, message.Created, f.post(t, token, "").Code())
}

func TestAdmitReturnsFailure(t *testing.T) {
	f := newFixture(t, false)
	c := baseClaims(t)
	delete(c, claims.Scope)

	_, err := f.endpoint.Admit(t.Context(), f.cwt(t, c), "")
	var fl *Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, message.BadRequest, fl.Code)
	assert.Equal(t, message.InvalidScope, fl.ErrorCode)
	assert.ErrorIs(t, err, claims.ErrMissing)
}

func TestAdmitPersistFailure(t *testing.T) {
	f := newFixture(t, false)
	f.repo.FailWith(errors.New("disk full"))

	_, err := f.endpoint.Admit(t.Context(), f.cwt(t, baseClaims(t)), "")
	var fl *Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, message.InternalServerError, fl.Code)
	assert.ErrorIs(t, err, tokenstore.ErrPersist)
	assert.False(t, f.store.HasKey(key.ID("K1")))
}

func TestRejected(t *testing.T) {
	f := newFixture(t, true)
	evaluate := func(token []byte) error {
		_, err := f.endpoint.Evaluate(t.Context(), message.NewRequest(token, ""))
		return err
	}
	ref, err := codec.Marshal([]byte("opaque-ref"))
	require.NoError(t, err)

	require.NoError(t, evaluate(f.cwt(t, baseClaims(t))))
	assert.False(t, Rejected(nil))

	t.Run("bad token", func(t *testing.T) {
		assert.True(t, Rejected(evaluate([]byte{0xff, 0x00})))
	})

	t.Run("inactive reference", func(t *testing.T) {
		assert.True(t, Rejected(evaluate(ref)))
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		protected, err := codec.Marshal(map[int64]any{cose.HeaderAlg: 99})
		require.NoError(t, err)
		body, err := codec.Marshal([]any{protected, map[int64]any{}, []byte{}, []byte{0x01}})
		require.NoError(t, err)
		err = evaluate(body)
		require.Error(t, err)
		assert.False(t, Rejected(err))
	})

	t.Run("authorization server failure", func(t *testing.T) {
		for _, code := range []message.Code{message.Forbidden, message.InternalServerError} {
			f.intro.FailWith(&introspect.Error{Code: code, Description: "unavailable"})
			err := evaluate(ref)
			require.Error(t, err)
			assert.False(t, Rejected(err), code.String())
		}
		f.intro.FailWith(errors.New("connection refused"))
		assert.False(t, Rejected(evaluate(ref)))
		f.intro.FailWith(nil)
	})

	t.Run("persist failure", func(t *testing.T) {
		f.repo.FailWith(errors.New("disk full"))
		defer f.repo.FailWith(nil)
		c := baseClaims(t)
		require.NoError(t, c.Put(claims.Cti, []byte("tok-2")))
		err := evaluate(f.cwt(t, c))
		require.Error(t, err)
		assert.False(t, Rejected(err))
	})
}

package access

import (
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/claims"
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
	asInfo = message.ASInfo{URI: "coaps://as.example/token", Nonce: []byte{1, 2, 3}}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *tokenstore.Store {
	t.Helper()
	v := tokenstore.NewKissValidator([]string{"rs1"}, map[string]map[string][]string{
		"r_temp": {"temp": {"GET"}},
	})
	s, err := tokenstore.New(memory.NewRepository(), v, tokenstore.WithLogger(quietLogger()))
	require.NoError(t, err)
	return s
}

func admit(t *testing.T, s *tokenstore.Store, kid, scope, subject string, exp time.Time) []byte {
	t.Helper()
	k, err := key.FromSymmetric(key.ID(kid), []byte("secret-"+kid))
	require.NoError(t, err)
	data, err := key.Marshal(k)
	require.NoError(t, err)

	c := claims.Set{}
	require.NoError(t, c.Put(claims.Iss, "as"))
	require.NoError(t, c.Put(claims.Aud, "rs1"))
	require.NoError(t, c.Put(claims.Scope, scope))
	require.NoError(t, c.Put(claims.Exp, exp.Unix()))
	require.NoError(t, c.SetConfirmation(claims.PlainKey{Key: data}))
	id, err := s.Admit(c, subject)
	require.NoError(t, err)
	return id
}

func kidMap(t *testing.T, kid []byte) string {
	t.Helper()
	data, err := codec.Marshal(map[int64]any{labelKeyID: kid})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func TestCheckVerdicts(t *testing.T) {
	s := newStore(t)
	admit(t, s, "K1", "r_temp", "client-a", now.Add(time.Hour))
	in := New(s, asInfo, WithClock(clock.NewFake(now)), WithLogger(quietLogger()))

	tests := []struct {
		name     string
		sender   string
		resource string
		action   string
		code     message.Code
	}{
		{"allowed", "client-a", "temp", "GET", message.OK},
		{"method not allowed", "client-a", "temp", "POST", message.MethodNotAllowed},
		{"forbidden", "client-a", "hum", "GET", message.Forbidden},
		{"unauthenticated", "", "temp", "GET", message.Unauthorized},
		{"unknown subject", "client-b", "temp", "GET", message.Unauthorized},
		{"kid map", kidMap(t, []byte("K1")), "temp", "GET", message.OK},
		{"kid map unknown kid", kidMap(t, []byte("K2")), "temp", "GET", message.Unauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := in.Check(t.Context(), tt.sender, tt.resource, tt.action)
			assert.Equal(t, tt.code, r.Code)
			if r.Allowed() {
				assert.Empty(t, r.Payload)
				assert.Equal(t, key.ID("K1"), r.KeyID)
				return
			}
			info, err := message.ParseASInfo(r.Payload)
			require.NoError(t, err)
			assert.Equal(t, asInfo, info)
		})
	}
}

func TestCheckExpiry(t *testing.T) {
	s := newStore(t)
	admit(t, s, "K1", "r_temp", "client-a", now.Add(time.Minute))
	fake := clock.NewFake(now)
	in := New(s, asInfo, WithClock(fake), WithLogger(quietLogger()))

	assert.True(t, in.Check(t.Context(), "client-a", "temp", "GET").Allowed())
	fake.Advance(2 * time.Minute)
	r := in.Check(t.Context(), "client-a", "temp", "GET")
	assert.Equal(t, message.Forbidden, r.Code)
	assert.Equal(t, tokenstore.Forbidden, r.Verdict)
}

func TestCheckIntrospection(t *testing.T) {
	s := newStore(t)
	id := admit(t, s, "K1", "r_temp", "client-a", now.Add(time.Hour))
	intro := introspect.NewStatic()
	in := New(s, asInfo, WithClock(clock.NewFake(now)), WithLogger(quietLogger()), WithIntrospector(intro))

	active := claims.Set{}
	require.NoError(t, active.Put(claims.Active, true))
	intro.Set(id, active)
	assert.True(t, in.Check(t.Context(), "client-a", "temp", "GET").Allowed())

	inactive := claims.Set{}
	require.NoError(t, inactive.Put(claims.Active, false))
	intro.Set(id, inactive)
	assert.Equal(t, message.Forbidden, in.Check(t.Context(), "client-a", "temp", "GET").Code)

	intro.FailWith(&introspect.Error{Code: message.BadRequest, Description: "bad token"})
	r := in.Check(t.Context(), "client-a", "temp", "GET")
	assert.Equal(t, message.BadRequest, r.Code)
	ec, desc, err := message.ParseError(r.Payload)
	require.NoError(t, err)
	assert.Equal(t, message.InvalidRequest, ec)
	assert.Equal(t, "bad token", desc)

	intro.FailWith(nil)
	intro.Set(id, claims.Set{})
	r = in.Check(t.Context(), "client-a", "temp", "GET")
	assert.Equal(t, message.InternalServerError, r.Code)
	assert.Empty(t, r.Payload)
}

func TestKeyIDFromMap(t *testing.T) {
	kid, ok := KeyIDFromMap(kidMap(t, []byte("K1")))
	require.True(t, ok)
	assert.Equal(t, key.ID("K1"), kid)

	text, err := codec.Marshal(map[int64]any{labelKeyID: "K1"})
	require.NoError(t, err)
	arr, err := codec.Marshal([]int{1, 2})
	require.NoError(t, err)
	other, err := codec.Marshal(map[int64]any{1: "K1"})
	require.NoError(t, err)
	for name, identity := range map[string]string{
		"not base64":  "%%%",
		"not a map":   base64.StdEncoding.EncodeToString(arr),
		"text kid":    base64.StdEncoding.EncodeToString(text),
		"missing kid": base64.StdEncoding.EncodeToString(other),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := KeyIDFromMap(identity)
			assert.False(t, ok)
		})
	}
}

func TestPaths(t *testing.T) {
	assert.True(t, IsAuthzInfo("/authz-info"))
	assert.True(t, IsAuthzInfo("/authz-info/"))
	assert.True(t, IsAuthzInfo("authz-info"))
	assert.True(t, IsAuthzInfo("/rs/authz-info"))
	assert.False(t, IsAuthzInfo("/temp"))
	assert.False(t, IsAuthzInfo("/not-authz-info"))

	assert.Equal(t, "temp", Resource("/temp"))
	assert.Equal(t, "a/b", Resource("/a/b/"))
}

package introspect

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/message"
)

func activeClaims(t *testing.T) claims.Set {
	t.Helper()
	c := claims.Set{}
	require.NoError(t, c.Put(claims.Active, true))
	require.NoError(t, c.Put(claims.Scope, "r_temp"))
	return c
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	got, err := s.Introspect(t.Context(), []byte("tok"))
	require.NoError(t, err)
	assert.Nil(t, got)

	s.Set([]byte("tok"), activeClaims(t))
	got, err = s.Introspect(t.Context(), []byte("tok"))
	require.NoError(t, err)
	active, err := got.Bool(claims.Active)
	require.NoError(t, err)
	assert.True(t, active)

	boom := &Error{Code: message.Forbidden, Description: "nope"}
	s.FailWith(boom)
	_, err = s.Introspect(t.Context(), []byte("tok"))
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, message.Forbidden, e.Code)
	assert.Equal(t, 3, s.Calls())

	s.FailWith(nil)
	s.Delete([]byte("tok"))
	got, err = s.Introspect(t.Context(), []byte("tok"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient(t *testing.T) {
	reply, err := activeClaims(t).Encode()
	require.NoError(t, err)

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentType, r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var req map[int64][]byte
		if err := codec.Unmarshal(body, &req); err != nil || string(req[labelToken]) != "tok" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		w.Write(reply)
	})

	c := NewHTTPClient(srv.URL)
	got, err := c.Introspect(t.Context(), []byte("tok"))
	require.NoError(t, err)
	scope, err := got.Text(claims.Scope)
	require.NoError(t, err)
	assert.Equal(t, "r_temp", scope)
}

func TestHTTPClientCodedError(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write(message.ErrorPayload(message.UnauthorizedClient, "rs not allowed"))
	})

	c := NewHTTPClient(srv.URL, WithMaxTries(3), WithInitialDelay(time.Millisecond))
	_, err := c.Introspect(t.Context(), []byte("tok"))
	e, ok := AsError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, message.Forbidden, e.Code)
	assert.Equal(t, "rs not allowed", e.Description)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestHTTPClientRetries(t *testing.T) {
	reply, err := activeClaims(t).Encode()
	require.NoError(t, err)

	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(reply)
	})

	c := NewHTTPClient(srv.URL, WithMaxTries(3), WithInitialDelay(time.Millisecond))
	got, err := c.Introspect(t.Context(), []byte("tok"))
	require.NoError(t, err)
	assert.True(t, got.Has(claims.Active))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	c := NewHTTPClient(srv.URL, WithMaxTries(2), WithInitialDelay(time.Millisecond))
	_, err := c.Introspect(t.Context(), []byte("tok"))
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, message.InternalServerError, e.Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientUnknownToken(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	got, err := NewHTTPClient(srv.URL).Introspect(t.Context(), []byte("tok"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "introspection failed: Forbidden", (&Error{Code: message.Forbidden}).Error())
	_, ok := AsError(errors.New("plain"))
	assert.False(t, ok)
}

package message

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/internal/codec"
)

func TestCodes(t *testing.T) {
	tests := []struct {
		code Code
		coap byte
		http int
	}{
		{OK, 0x45, http.StatusOK},
		{Created, 0x41, http.StatusCreated},
		{BadRequest, 0x80, http.StatusBadRequest},
		{Unauthorized, 0x81, http.StatusUnauthorized},
		{Forbidden, 0x83, http.StatusForbidden},
		{MethodNotAllowed, 0x85, http.StatusMethodNotAllowed},
		{InternalServerError, 0xa0, http.StatusInternalServerError},
		{NotImplemented, 0xa1, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.coap, tt.code.CoAP())
			assert.Equal(t, tt.http, tt.code.HTTP())
			back, ok := FromCoAP(tt.coap)
			require.True(t, ok)
			assert.Equal(t, tt.code, back)
			assert.Equal(t, tt.code, FromHTTP(tt.http))
		})
	}

	assert.Equal(t, InternalServerError, FromHTTP(http.StatusBadGateway))
	assert.Equal(t, OK, FromHTTP(http.StatusNoContent))
	assert.Equal(t, "Code(99)", Code(99).String())
	_, ok := FromCoAP(0x01)
	assert.False(t, ok)
}

func TestLocal(t *testing.T) {
	payload, err := codec.Marshal(map[int64]any{1: "x"})
	require.NoError(t, err)

	req := NewRequest(payload, "client-1")
	assert.Equal(t, OK, req.Code())
	assert.Equal(t, "client-1", req.SenderID())

	params, err := req.Parameters()
	require.NoError(t, err)
	assert.Contains(t, params, int64(1))

	reply := req.FailReply(Forbidden, []byte{0xa0})
	assert.Equal(t, Forbidden, reply.Code())
	assert.Equal(t, "client-1", reply.SenderID())

	_, err = NewRequest([]byte{0x41, 0x00}, "").Parameters()
	require.ErrorIs(t, err, ErrParameters)
}

func TestErrorPayload(t *testing.T) {
	data := ErrorPayload(UnauthorizedClient, "Token is invalid")
	code, desc, err := ParseError(data)
	require.NoError(t, err)
	assert.Equal(t, UnauthorizedClient, code)
	assert.Equal(t, "Token is invalid", desc)
	assert.Equal(t, "unauthorized_client", code.String())

	code, desc, err = ParseError(ErrorPayload(InvalidScope, ""))
	require.NoError(t, err)
	assert.Equal(t, InvalidScope, code)
	assert.Empty(t, desc)
}

func TestASInfo(t *testing.T) {
	in := ASInfo{URI: "coaps://as.example/token", Nonce: []byte{1, 2, 3}}
	out, err := ParseASInfo(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = ParseASInfo(ASInfo{URI: "coaps://as"}.Marshal())
	require.NoError(t, err)
	assert.Nil(t, out.Nonce)

	_, err = ParseASInfo(ErrorPayload(InvalidRequest, ""))
	require.ErrorIs(t, err, ErrParameters)
}

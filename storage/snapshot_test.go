package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/claims"
)

func TestRecordRoundTrip(t *testing.T) {
	s := claims.Set{}
	require.NoError(t, s.Put(claims.Iss, "as"))
	require.NoError(t, s.Put(claims.Scope, "r_temp"))
	require.NoError(t, s.Put(claims.Cti, []byte{0xde, 0xad}))

	r := EncodeRecord(s)
	assert.Len(t, r, 3)
	assert.Contains(t, r, "9")
	assert.Equal(t, []claims.Label{claims.Iss, claims.Cti, claims.Scope}, r.Labels())

	got, err := DecodeRecord(r)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestRecordFields(t *testing.T) {
	s := claims.Set{}
	require.NoError(t, s.Put(claims.Scope, "r_temp"))

	r := EncodeRecord(s)
	v, err := r.Field(FieldSubject)
	require.NoError(t, err)
	assert.Nil(t, v)

	r.SetField(FieldSubject, []byte("client-1"))
	r.SetField(FieldKey, []byte{0xa1, 0x01, 0x04})
	v, err = r.Field(FieldSubject)
	require.NoError(t, err)
	assert.Equal(t, []byte("client-1"), v)
	assert.Equal(t, []claims.Label{claims.Scope}, r.Labels())

	got, err := DecodeRecord(r)
	require.NoError(t, err)
	assert.Equal(t, s, got, "fields are not claims")

	r[FieldKey] = "not base64!"
	_, err = DecodeRecord(r)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeRecordCorrupt(t *testing.T) {
	_, err := DecodeRecord(Record{"iss": "YXM="})
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeRecord(Record{"1": "not base64!"})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestCloneRecords(t *testing.T) {
	in := []Record{{"1": "YXM="}}
	out := CloneRecords(in)
	out[0]["1"] = "changed"
	assert.Equal(t, "YXM=", in[0]["1"])
	assert.Nil(t, CloneRecords(nil))
}

package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/internal/codec"
)

func newSet(t *testing.T) Set {
	t.Helper()
	s := Set{}
	require.NoError(t, s.Put(Iss, "as"))
	require.NoError(t, s.Put(Aud, "rs1"))
	require.NoError(t, s.Put(Scope, "r_temp"))
	require.NoError(t, s.Put(Exp, int64(1000)))
	return s
}

func TestDecodeEncode(t *testing.T) {
	s := newSet(t)
	data, err := s.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	again, err := got.Encode()
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be deterministic")
}

func TestDecodeRejectsNonMap(t *testing.T) {
	data, err := codec.Marshal([]int{1, 2})
	require.NoError(t, err)
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestGetters(t *testing.T) {
	s := newSet(t)
	require.NoError(t, s.Put(Cti, []byte{1, 2}))
	require.NoError(t, s.Put(Active, true))

	iss, err := s.Text(Iss)
	require.NoError(t, err)
	assert.Equal(t, "as", iss)

	cti, err := s.Bytes(Cti)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, cti)

	exp, err := s.Int(Exp)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), exp)

	active, err := s.Bool(Active)
	require.NoError(t, err)
	assert.True(t, active)

	_, err = s.Text(Sub)
	require.ErrorIs(t, err, ErrMissing)
	_, err = s.Int(Iss)
	require.ErrorIs(t, err, ErrWrongType)
	_, err = s.Bytes(Scope)
	require.ErrorIs(t, err, ErrWrongType)
	_, err = s.Bool(Exp)
	require.ErrorIs(t, err, ErrWrongType)
}

func TestAudiences(t *testing.T) {
	s := Set{}
	_, err := s.Audiences()
	require.ErrorIs(t, err, ErrMissing)

	require.NoError(t, s.Put(Aud, "rs1"))
	aud, err := s.Audiences()
	require.NoError(t, err)
	assert.Equal(t, []string{"rs1"}, aud)

	require.NoError(t, s.Put(Aud, []any{"rs1", 7, "rs2"}))
	aud, err = s.Audiences()
	require.NoError(t, err)
	assert.Equal(t, []string{"rs1", "rs2"}, aud)

	require.NoError(t, s.Put(Aud, 7))
	_, err = s.Audiences()
	require.ErrorIs(t, err, ErrWrongType)
}

func TestMergeAndClone(t *testing.T) {
	s := newSet(t)
	c := s.Clone()
	c[Iss][0] ^= 0xff
	iss, err := s.Text(Iss)
	require.NoError(t, err)
	assert.Equal(t, "as", iss, "clone must not alias")

	other := Set{}
	require.NoError(t, other.Put(Scope, "r_other"))
	require.NoError(t, other.Put(Active, false))
	s.Merge(other)

	scope, err := s.Text(Scope)
	require.NoError(t, err)
	assert.Equal(t, "r_other", scope)
	assert.True(t, s.Has(Active))
}

func TestHash(t *testing.T) {
	a := newSet(t)
	b := newSet(t)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Len(t, ha, tokenIDSize)
	assert.Equal(t, ha, hb)

	require.NoError(t, b.Put(Scope, "r_other"))
	hb, err = b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestExpiry(t *testing.T) {
	s := newSet(t)
	require.NoError(t, s.Put(Nbf, int64(500)))

	expired, err := s.Expired(time.Unix(1000, 0))
	require.NoError(t, err)
	assert.False(t, expired)
	expired, err = s.Expired(time.Unix(1001, 0))
	require.NoError(t, err)
	assert.True(t, expired)
	expired, err = s.Expired(time.Unix(1000, 900_000_000))
	require.NoError(t, err)
	assert.True(t, expired, "sub-second past exp")

	early, err := s.NotYetValid(time.Unix(499, 0))
	require.NoError(t, err)
	assert.True(t, early)
	early, err = s.NotYetValid(time.Unix(499, 999_000_000))
	require.NoError(t, err)
	assert.True(t, early)
	early, err = s.NotYetValid(time.Unix(500, 0))
	require.NoError(t, err)
	assert.False(t, early)

	expired, err = Set{}.Expired(time.Unix(1<<40, 0))
	require.NoError(t, err)
	assert.False(t, expired)

	require.NoError(t, s.Put(Exp, "soon"))
	_, err = s.Expired(time.Now())
	require.ErrorIs(t, err, ErrWrongType)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "cnf", Cnf.String())
	assert.Equal(t, "99", Label(99).String())

	l, err := ParseLabel("45")
	require.NoError(t, err)
	assert.Equal(t, ClientToken, l)

	_, err = ParseLabel("x")
	require.Error(t, err)
}

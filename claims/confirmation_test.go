package claims

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/internal/codec"
)

func TestConfirmationShapes(t *testing.T) {
	coseKey, err := codec.Marshal(map[int]any{1: 4, 2: []byte("K1"), -1: []byte("secret")})
	require.NoError(t, err)
	encrypted, err := codec.Marshal([]any{[]byte{}, map[int]any{}, []byte("ct")})
	require.NoError(t, err)

	tests := []struct {
		name string
		conf Confirmation
	}{
		{"plain key", PlainKey{Key: coseKey}},
		{"encrypted key", EncryptedKey{Message: encrypted}},
		{"key reference", KeyReference{KeyID: []byte("K1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Set{}
			require.NoError(t, s.SetConfirmation(tt.conf))
			got, err := s.Confirmation()
			require.NoError(t, err)
			assert.Equal(t, tt.conf, got)
		})
	}
}

func TestConfirmationPrecedence(t *testing.T) {
	coseKey, err := codec.Marshal(map[int]any{1: 4, 2: []byte("K1")})
	require.NoError(t, err)
	data, err := codec.Marshal(map[int]any{
		cnfKeyID: []byte("K2"),
		cnfKey:   codec.RawMessage(coseKey),
	})
	require.NoError(t, err)

	got, err := ParseConfirmation(data)
	require.NoError(t, err)
	assert.IsType(t, PlainKey{}, got)
}

func TestConfirmationErrors(t *testing.T) {
	s := Set{}
	_, err := s.Confirmation()
	require.ErrorIs(t, err, ErrMissing)

	require.NoError(t, s.Put(Cnf, "key"))
	_, err = s.Confirmation()
	require.ErrorIs(t, err, ErrWrongType)

	for name, v := range map[string]any{
		"empty":          map[int]any{},
		"kid not bytes":  map[int]any{cnfKeyID: "K1"},
		"key not map":    map[int]any{cnfKey: []byte("K1")},
		"encrypted text": map[int]any{cnfEncryptedKey: "ct"},
	} {
		t.Run(name, func(t *testing.T) {
			data, err := codec.Marshal(v)
			require.NoError(t, err)
			_, err = ParseConfirmation(data)
			require.ErrorIs(t, err, ErrConfirmation)
		})
	}
}

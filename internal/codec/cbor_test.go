package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDeterministic(t *testing.T) {
	a, err := Marshal(map[int]string{3: "c", 1: "a", 2: "b"})
	require.NoError(t, err)
	b, err := Marshal(map[int]string{2: "b", 1: "a", 3: "c"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want Kind
	}{
		{"bytes", []byte{1, 2}, KindBytes},
		{"text", "x", KindText},
		{"array", []int{1}, KindArray},
		{"map", map[int]int{1: 1}, KindMap},
		{"unsigned", 7, KindUnsigned},
		{"negative", -7, KindNegative},
		{"tag", RawTag{Number: 61, Content: []byte{0x80}}, KindTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.v)
			require.NoError(t, err)
			k, err := Classify(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, k)
		})
	}

	_, err := Classify(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestValid(t *testing.T) {
	data, err := Marshal([]any{1, "a"})
	require.NoError(t, err)
	assert.NoError(t, Valid(data))
	assert.Error(t, Valid(data[:len(data)-1]))
}

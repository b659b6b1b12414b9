package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/acers/storage"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tokens.json")
	s := New(path)

	records, err := s.Load()
	require.NoError(t, err, "missing file is an empty snapshot")
	assert.Empty(t, records)

	in := []storage.Record{{"1": "YXM=", "9": "cl90ZW1w"}, {"1": "YXM="}}
	require.NoError(t, s.Save(in))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must not be left behind")

	require.NoError(t, s.Save(nil))
	got, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := New(path).Load()
	require.ErrorIs(t, err, storage.ErrCorrupt)
}

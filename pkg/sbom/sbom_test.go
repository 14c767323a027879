package sbom

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateBaseosIDGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "baseos-id")

	id1, err := LoadOrCreateBaseosID(path)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id1, string(data))

	id2, err := LoadOrCreateBaseosID(path)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestLoadOrCreateBaseosIDRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseos-id")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	id, err := LoadOrCreateBaseosID(path)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

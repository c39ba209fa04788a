package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFiles(t *testing.T) {
	t.Run("single file of any extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "vcrypto.conf")
		require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o600))

		read, err := ReadConfigFiles(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"a: 1"}, read)
	})

	t.Run("directory in lexical order", func(t *testing.T) {
		dir := t.TempDir()
		sub := filepath.Join(dir, "sub")
		require.NoError(t, os.Mkdir(sub, 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("b"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("a"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("c"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(sub, "d.yaml"), []byte("d"), 0o600))

		read, err := ReadConfigFiles(dir)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "d"}, read)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := ReadConfigFiles(filepath.Join(t.TempDir(), "missing"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

package atomic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addr")
	require.NoError(t, WriteFile(path, []byte("127.0.0.1:1000\n")))
	require.NoError(t, WriteFile(path, []byte("127.0.0.1:2000\n")))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2000\n", string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")
}

func TestAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addr")
	f, err := Open(path)
	require.NoError(t, err)
	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, f.Abort())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

package safe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/jvmprof/internal/testutil"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("flush_timeout: 1s\n"), 0o600))
	link := filepath.Join(dir, "link.yaml")
	require.NoError(t, os.Symlink(cfg, link))

	t.Run("regular file", func(t *testing.T) {
		got, err := ReadFile(cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, "flush_timeout: 1s\n", string(got))
	})

	t.Run("symlink refused by default", func(t *testing.T) {
		_, err := ReadFile(link, nil)
		assert.ErrorContains(t, err, "symlink")
	})

	t.Run("symlink allowed", func(t *testing.T) {
		got, err := ReadFile(link, &ReadOptions{AllowSymlinks: true})
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := ReadFile(cfg, &ReadOptions{MaxSize: 4})
		assert.ErrorContains(t, err, "exceeds")
	})

	t.Run("directory", func(t *testing.T) {
		_, err := ReadFile(dir, nil)
		assert.ErrorContains(t, err, "not a regular file")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(dir, "nope"), nil)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestRemoveFile(t *testing.T) {
	logger := testutil.NewTestLogger(t)
	f, err := os.Create(filepath.Join(t.TempDir(), "cpu.pb.gz"))
	require.NoError(t, err)

	Close(f, logger, "close")
	RemoveFile(f, logger)
	_, err = os.Stat(f.Name())
	assert.True(t, errors.Is(err, os.ErrNotExist))

	RemoveFile(nil, logger)
}

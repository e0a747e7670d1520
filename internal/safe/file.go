package safe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultMaxFileSize caps ReadFile when no limit is given.
const DefaultMaxFileSize = 1 << 20

// ReadOptions configures ReadFile.
type ReadOptions struct {
	// MaxSize in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks follows a symlinked path instead of rejecting it.
	AllowSymlinks bool
}

// ReadFile reads a config-sized regular file. Symlinks are refused unless
// opts allows them, and files above the size limit are refused outright.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	limit := opts.MaxSize
	if limit == 0 {
		limit = DefaultMaxFileSize
	}

	clean := filepath.Clean(path)
	info, err := os.Lstat(clean)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("refusing to read %q: path is a symlink", path)
		}
		if info, err = os.Stat(clean); err != nil {
			return nil, err
		}
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("refusing to read %q: not a regular file", path)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("refusing to read %q: %d bytes exceeds the %d byte limit", path, info.Size(), limit)
	}
	return os.ReadFile(clean)
}

// Close closes c and logs a failure under msg.
func Close(c io.Closer, logger zerolog.Logger, msg string) {
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg(msg)
	}
}

// RemoveFile deletes the file behind f, typically a half-written export.
func RemoveFile(f *os.File, logger zerolog.Logger) {
	if f == nil {
		return
	}
	if err := os.Remove(f.Name()); err != nil {
		logger.Error().Err(err).Str("path", f.Name()).Msg("Failed to remove file")
	}
}

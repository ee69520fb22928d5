package config

import (
	"io"
	"os"
	"path/filepath"

	"codeberg.org/mutker/thermald/internal/errors"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// ProfilePath returns where profile name lives inside confDir.
func ProfilePath(confDir, name string) string {
	return filepath.Join(confDir, filepath.Base(name))
}

// ProfileExists reports whether profile name can be loaded from confDir.
func ProfileExists(confDir, name string) bool {
	if name == "" {
		return false
	}
	info, err := os.Stat(ProfilePath(confDir, name))
	return err == nil && info.Mode().IsRegular()
}

// EnsureProfile copies seed into confDir as name unless it already exists.
func EnsureProfile(confDir, name, seed string) error {
	errFactory := errors.New()
	if ProfileExists(confDir, name) {
		return nil
	}

	if err := os.MkdirAll(confDir, defaultDirPerm); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	src, err := os.Open(seed)
	if err != nil {
		return errFactory.Wrap(errors.ErrMissingConfig, err).WithData(seed)
	}
	defer src.Close()

	dst, err := os.OpenFile(ProfilePath(confDir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	return dst.Close()
}

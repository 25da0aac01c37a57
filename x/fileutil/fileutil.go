// Package fileutil provides file helpers for the tools
package fileutil

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// WriteFileAtomic writes data to a temporary file in the folder of name,
// and renames it to name when fully written.
// On failure the temporary file is removed, and name is left intact.
func WriteFileAtomic(name string, data []byte, perm os.FileMode) (err error) {
	dir, base := filepath.Split(name)
	if dir == "" {
		dir = "."
	}

	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return errors.WithStack(err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return errors.WithStack(err)
	}
	if err = f.Sync(); err != nil {
		return errors.WithStack(err)
	}
	if err = f.Chmod(perm); err != nil {
		return errors.WithStack(err)
	}
	if err = f.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err = os.Rename(tmp, name); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

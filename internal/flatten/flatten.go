// Package flatten implements strip-components for extractors that cannot
// strip leading path segments themselves.
package flatten

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/frederic-klein/srcfetch/internal/fetcherr"
)

// StagingPrefix names the temporary extraction directories created inside
// a destination.
const StagingPrefix = ".uncompress"

// CreateStagingDir returns the directory an archive should be extracted into
// before flattening. For level 0 that is dest itself; otherwise a new,
// uniquely named child of dest.
func CreateStagingDir(fsys afero.Fs, dest string, level int) (string, error) {
	if level <= 0 {
		return dest, nil
	}
	dir, err := afero.TempDir(fsys, dest, StagingPrefix)
	if err != nil {
		return "", fetcherr.Errorf(fetcherr.DirectoryCreateFailed, dest, "can't create uncompress directory: %w", err)
	}
	return dir, nil
}

// StripComponentsInto moves the contents of src into dest, descending level
// directories deep first: while level > 0 a directory is recursed into with
// level-1; anything else is moved into dest under its base name. An existing
// entry in dest is never replaced. src is removed once emptied.
//
// Failures stop immediately and leave the tree partially moved.
func StripComponentsInto(fsys afero.Fs, dest, src string, level int) error {
	entries, err := afero.ReadDir(fsys, src)
	if err != nil {
		return fetcherr.New(fetcherr.FilesystemEnumerationFailed, src, err)
	}

	for _, entry := range entries {
		child := filepath.Join(src, entry.Name())

		if entry.IsDir() && level > 0 {
			if err := StripComponentsInto(fsys, dest, child, level-1); err != nil {
				return err
			}
			continue
		}

		target := filepath.Join(dest, entry.Name())
		if err := move(fsys, child, target); err != nil {
			return err
		}
	}

	if err := fsys.Remove(src); err != nil {
		return fetcherr.New(fetcherr.DirectoryDeleteFailed, src, err)
	}
	return nil
}

func move(fsys afero.Fs, from, to string) error {
	_, err := lstat(fsys, to)
	switch {
	case err == nil:
		return fetcherr.New(fetcherr.MoveConflict, to, os.ErrExist)
	case !errors.Is(err, os.ErrNotExist):
		return fetcherr.New(fetcherr.MoveFailed, to, err)
	}

	if err := fsys.Rename(from, to); err != nil {
		return fetcherr.New(fetcherr.MoveFailed, from, err)
	}
	return nil
}

func lstat(fsys afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(name)
		return fi, err
	}
	return fsys.Stat(name)
}

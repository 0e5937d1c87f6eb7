package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// mergePaths folds from into to. Files replace whatever sits at the
// destination; directories merge child by child. Sibling committers may be
// merging into the same tree concurrently, so a destination that appears
// between our stat and our rename is re-examined instead of treated as an
// error.
func mergePaths(fsys afero.Fs, from, to string) error {
	info, err := fsys.Stat(from)
	if err != nil {
		return fmt.Errorf("merging %s: %w", from, err)
	}
	return merge(fsys, from, info, to)
}

func merge(fsys afero.Fs, from string, fromInfo os.FileInfo, to string) error {
	toInfo, statErr := fsys.Stat(to)
	if statErr != nil && !os.IsNotExist(statErr) {
		return statErr
	}
	if statErr != nil {
		if err := fsys.Rename(from, to); err == nil {
			return nil
		}
		toInfo, statErr = fsys.Stat(to)
		if statErr != nil {
			return fmt.Errorf("merging %s into %s: %w", from, to, statErr)
		}
	}
	if !fromInfo.IsDir() || !toInfo.IsDir() {
		if err := fsys.RemoveAll(to); err != nil {
			return err
		}
		return fsys.Rename(from, to)
	}
	entries, err := afero.ReadDir(fsys, from)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		src := filepath.Join(from, entry.Name())
		dst := filepath.Join(to, entry.Name())
		if err := merge(fsys, src, entry, dst); err != nil {
			return err
		}
	}
	return nil
}

package fileutils

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Create opens path for writing, replacing anything already there.
func Create(path string) (*os.File, error) {
	if err := Remove(path); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", path)
	}

	return f, nil
}

// Replace writes the contents of r to path via a temporary file in the same
// directory and a rename, so readers of path only ever see a complete file.
func Replace(path string, r io.Reader) error {
	dir := filepath.Dir(path)

	tmp, err := ioutil.TempFile(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file in %s", dir)
	}

	tmpPath := tmp.Name()

	_, err = io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}

	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "writing %s", tmpPath)
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "replacing %s", path)
	}

	return nil
}

// Mkdir creates path and any missing parents.
func Mkdir(path string) error {
	return errors.Wrapf(os.MkdirAll(path, 0755), "creating %s", path)
}

// Remove deletes path, recursively if it is a directory. A missing path is
// not an error.
func Remove(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	if fi.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}

	return errors.Wrapf(err, "removing %s", path)
}

// List returns the full paths of the entries in dir, sorted by name.
func List(dir string) ([]string, error) {
	names, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string

	for _, fi := range names {
		paths = append(paths, filepath.Join(dir, fi.Name()))
	}

	sort.Strings(paths)

	return paths, nil
}

// Read returns the whole contents of path.
func Read(path string) ([]byte, error) {
	return ioutil.ReadFile(path)
}

// Exists reports whether path exists, without following a final symlink.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDir reports whether path is (or links to) a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

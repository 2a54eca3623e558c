package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Storage supplies the directories cmvm works in. It owns no logic beyond
// path resolution.
type Storage interface {
	CacheDir() string
	DataDir() string
	VersionsDir() string
	CurrentDir() string
}

// DirStorage is a Storage rooted at an explicit cache and data directory.
type DirStorage struct {
	Cache string
	Data  string
}

var _ Storage = (*DirStorage)(nil)

// NewRootStorage keeps both cache and data under root.
func NewRootStorage(root string) *DirStorage {
	return &DirStorage{
		Cache: filepath.Join(root, "cache"),
		Data:  filepath.Join(root, "data"),
	}
}

func (s *DirStorage) CacheDir() string {
	return s.Cache
}

func (s *DirStorage) DataDir() string {
	return s.Data
}

func (s *DirStorage) VersionsDir() string {
	return filepath.Join(s.Data, "versions")
}

func (s *DirStorage) CurrentDir() string {
	return filepath.Join(s.Data, "current")
}

// EnsureDirs creates the data, versions and cache directories if they are
// missing. It fails if one of them exists but is not a directory.
func EnsureDirs(s Storage) error {
	dirs := []string{
		s.DataDir(),
		s.VersionsDir(),
		s.CacheDir(),
	}

	for _, dir := range dirs {
		fi, err := os.Stat(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}

			err = os.MkdirAll(dir, 0755)
			if err != nil {
				return errors.Wrapf(err, "creating %s", dir)
			}

			continue
		}

		if !fi.IsDir() {
			return errors.Errorf("path is not a directory: %s", dir)
		}
	}

	return nil
}

package versions

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"lab47.dev/cmvm/pkg/config"
	"lab47.dev/cmvm/pkg/data"
	"lab47.dev/cmvm/pkg/fileutils"
	"lab47.dev/cmvm/pkg/profile"
)

// Installed is a version directory under the versions root.
type Installed struct {
	Name    string
	Path    string
	Current bool
}

// IsInstalled reports whether the versions root has a directory for tag.
func IsInstalled(st config.Storage, tag string) bool {
	name := NormalizeTag(tag)
	if name == "" {
		return false
	}

	return fileutils.IsDir(filepath.Join(st.VersionsDir(), name))
}

// ListInstalled returns the installed versions in ascending order, marking
// the one the current pointer targets.
func ListInstalled(st config.Storage, prof *profile.Profile) ([]Installed, error) {
	entries, err := fileutils.List(st.VersionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, data.Fail(data.IOFailure, "list installed", err)
	}

	current, _ := prof.Current()

	var (
		parsed []data.Version
		byName = map[string]string{}
	)

	for _, path := range entries {
		if !fileutils.IsDir(path) {
			continue
		}

		name := filepath.Base(path)

		v, err := Parse(&data.Release{TagName: name})
		if err != nil {
			continue
		}

		parsed = append(parsed, v)
		byName[name] = path
	}

	Sort(parsed)

	var out []Installed

	for _, v := range parsed {
		out = append(out, Installed{
			Name:    v.Tag,
			Path:    byName[v.Tag],
			Current: v.Tag == current,
		})
	}

	return out, nil
}

// Uninstall removes the installed directory for tag. If the current pointer
// targets it the pointer is removed first.
func Uninstall(st config.Storage, prof *profile.Profile, tag string) error {
	name := NormalizeTag(tag)

	if !IsInstalled(st, name) {
		return data.Fail(data.NotFound, "uninstall "+name, errors.Errorf("version %s is not installed", name))
	}

	if prof.Points(name) {
		if err := prof.Deactivate(); err != nil {
			return err
		}
	}

	err := fileutils.Remove(filepath.Join(st.VersionsDir(), name))
	if err != nil {
		return data.Fail(data.IOFailure, "uninstall "+name, err)
	}

	return nil
}

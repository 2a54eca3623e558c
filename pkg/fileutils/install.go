package fileutils

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Install copies the tree at Src to Dest. Regular files, directories and
// symlinks are reproduced; modification times are preserved.
type Install struct {
	Ctx  context.Context
	L    hclog.Logger
	Src  string
	Dest string
}

func (i *Install) shouldCancel() error {
	if i.Ctx == nil {
		return nil
	}

	select {
	case <-i.Ctx.Done():
		return i.Ctx.Err()
	default:
		return nil
	}
}

func (i *Install) Install() error {
	if i.L == nil {
		i.L = hclog.L()
	}

	if _, err := os.Lstat(i.Src); err != nil {
		return err
	}

	err := os.MkdirAll(filepath.Dir(i.Dest), 0755)
	if err != nil {
		return err
	}

	return i.copyEntry(i.Src, i.Dest)
}

// CopySubtrees copies each of names that exists under from into to, and
// returns the names that were copied.
func CopySubtrees(ctx context.Context, L hclog.Logger, from, to string, names []string) ([]string, error) {
	var copied []string

	for _, name := range names {
		src := filepath.Join(from, name)

		if !Exists(src) {
			continue
		}

		in := &Install{
			Ctx:  ctx,
			L:    L,
			Src:  src,
			Dest: filepath.Join(to, name),
		}

		err := in.Install()
		if err != nil {
			return copied, errors.Wrapf(err, "copying %s", name)
		}

		copied = append(copied, name)
	}

	return copied, nil
}

func (i *Install) copyEntry(from, to string) error {
	if err := i.shouldCancel(); err != nil {
		return err
	}

	i.L.Trace("copy entry", "from", from, "to", to)

	fi, err := os.Lstat(from)
	if err != nil {
		return err
	}

	switch fi.Mode() & os.ModeType {
	case 0: // regular file
		err = i.copyFile(from, to, fi)
		if err != nil {
			return err
		}
	case os.ModeDir:
		if _, err := os.Stat(to); err != nil {
			err = os.Mkdir(to, fi.Mode().Perm())
			if err != nil {
				return err
			}
		}

		f, err := os.Open(from)
		if err != nil {
			return err
		}

		entries, err := f.Readdirnames(-1)
		f.Close()

		if err != nil && err != io.EOF {
			return err
		}

		sort.Strings(entries)

		for _, name := range entries {
			err = i.copyEntry(filepath.Join(from, name), filepath.Join(to, name))
			if err != nil {
				return err
			}
		}
	case os.ModeSymlink:
		link, err := os.Readlink(from)
		if err != nil {
			return err
		}

		return os.Symlink(link, to)
	default:
		i.L.Debug("skipping special file", "path", from)
		return nil
	}

	// fix the times
	os.Chtimes(to, time.Time{}, fi.ModTime())

	return nil
}

func (i *Install) copyFile(from, to string, fi os.FileInfo) error {
	f, err := os.Open(from)
	if err != nil {
		return err
	}

	defer f.Close()

	tg, err := os.OpenFile(
		to,
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		fi.Mode().Perm(),
	)
	if err != nil {
		return err
	}

	_, err = io.Copy(tg, f)
	if cerr := tg.Close(); err == nil {
		err = cerr
	}

	return err
}

package lockfile

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Name is the lock file cmvm keeps in its data directory.
const Name = ".cmvm-lock"

// Take creates path exclusively and writes the current pid into it,
// retrying every interval until ctx is done. A lock whose pid no longer
// exists is removed and retaken. waiting, if set, is called on each retry.
// The returned func releases the lock.
func Take(ctx context.Context, path string, waiting func()) (func(), error) {
	return take(ctx, path, time.Second, waiting)
}

func take(ctx context.Context, path string, interval time.Duration, waiting func()) (func(), error) {
	tk := time.NewTicker(interval)
	defer tk.Stop()

	var (
		f   *os.File
		err error
	)

	for {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			break
		}

		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "taking lock %s", path)
		}

		if stale(path) {
			os.Remove(path)
			continue
		}

		if waiting != nil {
			waiting()
		}

		select {
		case <-tk.C:
			// ok
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "writing lock %s", path)
	}

	closer := func() {
		os.Remove(path)
	}

	return closer, nil
}

// Owner returns the pid recorded in the lock at path.
func Owner(path string) (int, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "lock %s has no pid", path)
	}

	return pid, nil
}

// stale reports whether the lock at path was left by a process that is gone.
// An empty or unreadable lock is treated as held, since its owner may still
// be writing the pid.
func stale(path string) bool {
	pid, err := Owner(path)
	if err != nil || pid <= 0 {
		return false
	}

	return unix.Kill(pid, 0) == unix.ESRCH
}

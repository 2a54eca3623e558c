package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/cmvm/pkg/config"
	"lab47.dev/cmvm/pkg/data"
	"lab47.dev/cmvm/pkg/direnv"
	"lab47.dev/cmvm/pkg/platform"
)

func tarball(t *testing.T, top string) []byte {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, dir := range []string{top + "/", top + "/bin/"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: dir, Mode: 0755, Typeflag: tar.TypeDir}))
	}

	body := "#!/bin/sh\necho cmake\n"

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     top + "/bin/cmake",
		Mode:     0755,
		Size:     int64(len(body)),
		Typeflag: tar.TypeReg,
	}))

	_, err := tw.Write([]byte(body))
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

type feed struct {
	server *httptest.Server
	down   int32
}

func (f *feed) setDown(down bool) {
	var v int32
	if down {
		v = 1
	}

	atomic.StoreInt32(&f.down, v)
}

func newFeed(t *testing.T) *feed {
	f := &feed{}

	var mu sync.Mutex

	archives := map[string][]byte{}

	mux := http.NewServeMux()

	mux.HandleFunc("/releases", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&f.down) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		var releases []*data.Release

		for _, tag := range []string{"v3.22.3", "v3.21.0", "v3.23.0-rc1"} {
			name := "cmake-" + strings.TrimPrefix(tag, "v") + "-linux-x86_64.tar.gz"

			releases = append(releases, &data.Release{
				TagName:    tag,
				Prerelease: strings.Contains(tag, "-rc"),
				Assets: []*data.Asset{{
					Name:        name,
					ContentType: "application/gzip",
					DownloadURL: f.server.URL + "/download/" + name,
				}},
			})
		}

		json.NewEncoder(w).Encode(releases)
	})

	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)

		mu.Lock()
		defer mu.Unlock()

		body, ok := archives[name]
		if !ok {
			body = tarball(t, strings.TrimSuffix(name, ".tar.gz"))
			archives[name] = body
		}

		w.Write(body)
	})

	f.server = httptest.NewServer(mux)

	return f
}

func TestCommands(t *testing.T) {
	top, err := ioutil.TempDir("", "cmvm")
	require.NoError(t, err)

	defer os.RemoveAll(top)

	f := newFeed(t)
	defer f.server.Close()

	st := config.NewRootStorage(top)
	require.NoError(t, config.EnsureDirs(st))

	def, err := platform.Resolve("linux", "amd64")
	require.NoError(t, err)

	var out bytes.Buffer

	newTestApp := func() *app {
		out.Reset()

		a := newApp(
			&config.Config{FeedURL: f.server.URL + "/releases"},
			st,
			hclog.New(&hclog.LoggerOptions{Level: hclog.Error}),
			&out,
		)
		a.def = &def

		return a
	}

	wait := func(a *app) {
		if a.refreshed != nil {
			<-a.refreshed
		}
	}

	ctx := context.Background()

	t.Run("list-remote fetches the catalog on first run", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.listRemote(ctx))
		wait(a)

		assert.Equal(t,
			"[cmvm] Fetching versions at first time...\n"+
				"[cmvm] Available cmake versions:\n"+
				"[cmvm]     3.21.0\n"+
				"[cmvm]     3.22.3\n",
			out.String())
	})

	t.Run("list with nothing installed", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.list())

		assert.Equal(t,
			"[cmvm] Installed versions:\n[cmvm] There is no versions installed yet.\n",
			out.String())
	})

	t.Run("use refuses a version that is not installed", func(t *testing.T) {
		a := newTestApp()

		err := a.use(ctx, "3.22.3")
		require.Error(t, err)

		assert.True(t, errors.Is(err, data.NotFound))

		_, ok := a.profile.Current()
		assert.False(t, ok)
	})

	t.Run("install downloads and activates", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.install(ctx, "v3.22.3"))
		wait(a)

		assert.Equal(t,
			"[cmvm] Downloading v3.22.3.\n"+
				"[cmvm] Uncompressing v3.22.3.\n"+
				"[cmvm] Setting up v3.22.3.\n"+
				"[cmvm] Cleaning cache.\n"+
				"[cmvm] 3.22.3 set as default version.\n",
			out.String())

		cur, ok := a.profile.Current()
		require.True(t, ok)
		assert.Equal(t, "3.22.3", cur)

		_, err := os.Stat(filepath.Join(st.CurrentDir(), "bin", "cmake"))
		assert.NoError(t, err)

		_, err = os.Stat(filepath.Join(top, "data", ".cmvm-lock"))
		assert.True(t, os.IsNotExist(err), "lock is released")
	})

	t.Run("installing again only activates", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.install(ctx, "3.21.0"))
		wait(a)

		a = newTestApp()

		require.NoError(t, a.install(ctx, "3.22.3"))
		wait(a)

		assert.Equal(t,
			"[cmvm] 3.22.3 is already installed.\n[cmvm] 3.22.3 set as default version.\n",
			out.String())
	})

	t.Run("install of an unknown tag fails", func(t *testing.T) {
		a := newTestApp()

		err := a.install(ctx, "3.0.99")
		wait(a)

		require.Error(t, err)
		assert.True(t, errors.Is(err, data.NotFound))
	})

	t.Run("list marks the current version", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.list())

		assert.Equal(t,
			"[cmvm] Installed versions:\n"+
				"[cmvm]   3.21.0\n"+
				"[cmvm] * 3.22.3\n",
			out.String())
	})

	t.Run("use switches the pointer", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.use(ctx, "v3.21.0"))

		cur, ok := a.profile.Current()
		require.True(t, ok)
		assert.Equal(t, "3.21.0", cur)
	})

	t.Run("uninstall drops the pointer to the removed version", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.uninstall(ctx, "3.21.0"))

		assert.Equal(t, "[cmvm] 3.21.0 uninstalled.\n", out.String())

		_, ok := a.profile.Current()
		assert.False(t, ok)

		_, err := os.Stat(filepath.Join(st.VersionsDir(), "3.22.3"))
		assert.NoError(t, err)

		err = a.uninstall(ctx, "3.21.0")
		assert.True(t, errors.Is(err, data.NotFound))
	})

	t.Run("a failed refresh keeps the cached catalog", func(t *testing.T) {
		f.setDown(true)
		defer f.setDown(false)

		a := newTestApp()

		require.NoError(t, a.listRemote(ctx))
		wait(a)

		assert.Contains(t, out.String(), "[cmvm]     3.22.3\n")
	})

	t.Run("no catalog and no network reports nothing cached", func(t *testing.T) {
		f.setDown(true)
		defer f.setDown(false)

		require.NoError(t, os.Remove(filepath.Join(st.CacheDir(), "releases.json")))

		a := newTestApp()

		err := a.listRemote(ctx)
		wait(a)

		require.Error(t, err)
		assert.True(t, errors.Is(err, data.NotFound))
	})

	t.Run("shell setup prints eval-able exports", func(t *testing.T) {
		a := newTestApp()

		require.NoError(t, a.shellSetup([]string{"PATH=/usr/bin", "HOME=/home/me"}))

		assert.Equal(t,
			"export PATH='"+filepath.Join(st.CurrentDir(), "bin")+":/usr/bin'\n",
			out.String())
	})

	t.Run("dump env writes a direnv payload", func(t *testing.T) {
		a := newTestApp()

		var buf bytes.Buffer
		require.NoError(t, a.dumpEnv(&buf, []string{"PATH=/usr/bin"}))

		want, err := direnv.Dump(map[string]string{
			"PATH": filepath.Join(st.CurrentDir(), "bin") + ":/usr/bin",
		})
		require.NoError(t, err)

		assert.Equal(t, want, strings.TrimSpace(buf.String()))
	})

	t.Run("dirs prints every directory and no absent config file", func(t *testing.T) {
		a := newTestApp()

		a.dirs()

		assert.Equal(t,
			"[cmvm] Cache dir: "+st.CacheDir()+"\n"+
				"[cmvm] Data dir: "+st.DataDir()+"\n"+
				"[cmvm] Versions dir: "+st.VersionsDir()+"\n"+
				"[cmvm] Current version dir: "+st.CurrentDir()+"\n",
			out.String())
	})
}

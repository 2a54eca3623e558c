package catalog

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/cmvm/pkg/config"
	"lab47.dev/cmvm/pkg/data"
)

type feed struct {
	mu     sync.Mutex
	pages  map[int]string
	fail   map[int]bool
	hits   []int
	server *httptest.Server

	// called before each page is served
	onPage func(page int)
}

func newFeed(pages map[int]string) *feed {
	f := &feed{pages: pages, fail: map[int]bool{}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

func (f *feed) serve(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	f.mu.Lock()
	f.hits = append(f.hits, page)
	fail := f.fail[page]
	body, ok := f.pages[page]
	last := len(f.pages)
	onPage := f.onPage
	f.mu.Unlock()

	if onPage != nil {
		onPage(page)
	}

	if fail || !ok {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	if last > 1 {
		base := "http://" + r.Host + r.URL.Path
		w.Header().Set("Link", fmt.Sprintf(
			`<%s?page=%d>; rel="next", <%s?page=%d>; rel="last"`,
			base, page+1, base, last))
	}

	w.Write([]byte(body))
}

func records(tags ...string) string {
	var parts []string

	for _, tag := range tags {
		parts = append(parts, fmt.Sprintf(`{"tag_name":%q,"prerelease":false,"assets":[],"id":1}`, tag))
	}

	return "[" + strings.Join(parts, ",") + "]"
}

func tagsOf(releases []*data.Release) []string {
	var out []string

	for _, r := range releases {
		out = append(out, r.TagName)
	}

	return out
}

func setup(t *testing.T, f *feed) (*Catalog, config.Storage, func()) {
	top, err := ioutil.TempDir("", "catalog")
	require.NoError(t, err)

	st := config.NewRootStorage(top)
	require.NoError(t, config.EnsureDirs(st))

	c := New(st,
		WithBaseURL(f.server.URL+"/repos/Kitware/CMake/releases"),
		WithLogger(hclog.New(&hclog.LoggerOptions{Level: hclog.Error})),
	)

	return c, st, func() {
		f.server.Close()
		os.RemoveAll(top)
	}
}

func cacheEntries(t *testing.T, st config.Storage) []string {
	t.Helper()

	fis, err := ioutil.ReadDir(st.CacheDir())
	require.NoError(t, err)

	var names []string
	for _, fi := range fis {
		names = append(names, fi.Name())
	}

	return names
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("merges pages in page order and removes page files", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: records("v3.22.0", "v3.21.0"),
			2: records("v3.20.0", "v3.19.0", "v3.18.0"),
			3: records("v3.17.0"),
		})
		c, st, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, c.Refresh(ctx))

		releases, err := c.Read()
		require.NoError(t, err)

		assert.Equal(t, []string{
			"v3.22.0", "v3.21.0",
			"v3.20.0", "v3.19.0", "v3.18.0",
			"v3.17.0",
		}, tagsOf(releases))

		assert.Equal(t, []string{FileName}, cacheEntries(t, st))
		assert.Equal(t, []int{1, 2, 3}, f.hits)
	})

	t.Run("keeps fields it does not decode", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: records("v3.22.0"),
			2: records("v3.21.0"),
		})
		c, _, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, c.Refresh(ctx))

		raw, err := ioutil.ReadFile(c.Path())
		require.NoError(t, err)

		assert.Contains(t, string(raw), `"id":1`)
	})

	t.Run("a single page becomes the catalog", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: records("v3.22.0", "v3.21.0"),
		})
		c, st, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, c.Refresh(ctx))

		releases, err := c.Read()
		require.NoError(t, err)

		assert.Equal(t, []string{"v3.22.0", "v3.21.0"}, tagsOf(releases))
		assert.Equal(t, []string{FileName}, cacheEntries(t, st))
	})

	t.Run("skips pages that fail", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: records("v3.22.0"),
			2: records("v3.21.0"),
			3: records("v3.20.0"),
		})
		f.fail[2] = true

		c, st, cleanup := setup(t, f)
		defer cleanup()

		// a page left over from an earlier run must not be merged
		require.NoError(t, ioutil.WriteFile(filepath.Join(st.CacheDir(), "2.json"), []byte(records("stale")), 0644))

		require.NoError(t, c.Refresh(ctx))

		releases, err := c.Read()
		require.NoError(t, err)

		assert.Equal(t, []string{"v3.22.0", "v3.20.0"}, tagsOf(releases))
		assert.Equal(t, []string{FileName}, cacheEntries(t, st))
	})

	t.Run("skips pages that are not arrays", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: records("v3.22.0"),
			2: `{"message": "rate limited"}`,
		})
		c, st, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, c.Refresh(ctx))

		releases, err := c.Read()
		require.NoError(t, err)

		assert.Equal(t, []string{"v3.22.0"}, tagsOf(releases))
		assert.Equal(t, []string{FileName}, cacheEntries(t, st))
	})

	t.Run("first page failure keeps the old catalog", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: records("v3.22.0"),
		})
		f.fail[1] = true

		c, _, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, ioutil.WriteFile(c.Path(), []byte(records("v3.1.0")), 0644))

		err := c.Refresh(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.NetworkFailure))

		releases, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"v3.1.0"}, tagsOf(releases))
	})

	t.Run("no decodable page keeps the old catalog", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: `<html>rate limited</html>`,
			2: records("v3.21.0"),
		})
		f.fail[2] = true

		c, st, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, ioutil.WriteFile(c.Path(), []byte(records("v3.3.0", "v3.2.0", "v3.1.0")), 0644))

		err := c.Refresh(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.ParseFailure))

		releases, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"v3.3.0", "v3.2.0", "v3.1.0"}, tagsOf(releases))

		assert.Equal(t, []string{FileName}, cacheEntries(t, st))
	})

	t.Run("a cancelled refresh keeps the old catalog", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: records("v3.22.0"),
			2: records("v3.21.0"),
			3: records("v3.20.0"),
		})

		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		f.onPage = func(page int) {
			if page == 2 {
				cancel()
			}
		}

		c, st, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, ioutil.WriteFile(c.Path(), []byte(records("v3.3.0", "v3.2.0", "v3.1.0")), 0644))

		err := c.Refresh(cctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.NetworkFailure))
		assert.True(t, errors.Is(err, context.Canceled))

		releases, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"v3.3.0", "v3.2.0", "v3.1.0"}, tagsOf(releases))

		assert.Equal(t, []string{FileName}, cacheEntries(t, st))
	})

	t.Run("single page that is not an array is rejected", func(t *testing.T) {
		f := newFeed(map[int]string{
			1: `{"message": "Not Found"}`,
		})
		c, st, cleanup := setup(t, f)
		defer cleanup()

		err := c.Refresh(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.ParseFailure))

		assert.Empty(t, cacheEntries(t, st))
	})
}

func TestRead(t *testing.T) {
	f := newFeed(map[int]string{1: records("v3.22.0")})
	c, _, cleanup := setup(t, f)
	defer cleanup()

	t.Run("missing catalog is not found", func(t *testing.T) {
		_, err := c.Read()
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.NotFound))
	})

	t.Run("truncated catalog is a parse failure", func(t *testing.T) {
		require.NoError(t, ioutil.WriteFile(c.Path(), []byte(`[{"tag_name": "v3`), 0644))

		_, err := c.Read()
		require.Error(t, err)
		assert.True(t, errors.Is(err, data.ParseFailure))
	})
}

func TestRefreshIfStale(t *testing.T) {
	t.Run("fetches synchronously on first run", func(t *testing.T) {
		f := newFeed(map[int]string{1: records("v3.22.0")})
		c, _, cleanup := setup(t, f)
		defer cleanup()

		done := c.RefreshIfStale(context.Background())

		select {
		case <-done:
		default:
			t.Fatal("first run should finish before returning")
		}

		releases, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"v3.22.0"}, tagsOf(releases))
	})

	t.Run("refreshes in the background when a catalog exists", func(t *testing.T) {
		f := newFeed(map[int]string{1: records("v3.23.0", "v3.22.0")})
		c, _, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, ioutil.WriteFile(c.Path(), []byte(records("v3.22.0")), 0644))

		done := c.RefreshIfStale(context.Background())

		// the cached copy is readable while the refresh runs
		_, err := c.Read()
		require.NoError(t, err)

		<-done

		releases, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"v3.23.0", "v3.22.0"}, tagsOf(releases))
	})

	t.Run("background failures are swallowed", func(t *testing.T) {
		f := newFeed(map[int]string{1: records("v3.23.0")})
		f.fail[1] = true

		c, _, cleanup := setup(t, f)
		defer cleanup()

		require.NoError(t, ioutil.WriteFile(c.Path(), []byte(records("v3.22.0")), 0644))

		<-c.RefreshIfStale(context.Background())

		releases, err := c.Read()
		require.NoError(t, err)
		assert.Equal(t, []string{"v3.22.0"}, tagsOf(releases))
	})
}

func TestLastPage(t *testing.T) {
	assert.Equal(t, 1, lastPage(""))
	assert.Equal(t, 5, lastPage(`<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`))
	assert.Equal(t, 1, lastPage(`<https://api.github.com/x?page=2>; rel="next"`))
	assert.Equal(t, 1, lastPage(`<https://api.github.com/x?page=abc>; rel="last"`))
}

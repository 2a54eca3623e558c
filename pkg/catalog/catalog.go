package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tomnomnom/linkheader"
	"lab47.dev/cmvm/pkg/cleanhttp"
	"lab47.dev/cmvm/pkg/config"
	"lab47.dev/cmvm/pkg/data"
	"lab47.dev/cmvm/pkg/fileutils"
)

const FileName = "releases.json"

// Catalog is the locally cached, merged copy of the remote release feed.
type Catalog struct {
	dir     string
	baseURL string
	client  *cleanhttp.Client
	L       hclog.Logger
}

type Option func(*Catalog)

func WithBaseURL(u string) Option {
	return func(c *Catalog) {
		if u != "" {
			c.baseURL = u
		}
	}
}

func WithClient(client *cleanhttp.Client) Option {
	return func(c *Catalog) {
		if client != nil {
			c.client = client
		}
	}
}

func WithLogger(L hclog.Logger) Option {
	return func(c *Catalog) {
		if L != nil {
			c.L = L
		}
	}
}

func New(st config.Storage, opts ...Option) *Catalog {
	c := &Catalog{
		dir:     st.CacheDir(),
		baseURL: config.DefaultFeedURL,
		client:  cleanhttp.New("cmvm"),
		L:       hclog.L(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Path is the location of the merged catalog document.
func (c *Catalog) Path() string {
	return filepath.Join(c.dir, FileName)
}

func (c *Catalog) pagePath(page int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.json", page))
}

func (c *Catalog) pageURL(page int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Read decodes the cached catalog. A missing catalog is data.NotFound; an
// unreadable one (for instance, truncated) is data.ParseFailure.
func (c *Catalog) Read() ([]*data.Release, error) {
	raw, err := fileutils.Read(c.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, data.Fail(data.NotFound, "read catalog", err)
		}

		return nil, data.Fail(data.IOFailure, "read catalog", err)
	}

	var releases []*data.Release

	err = json.Unmarshal(raw, &releases)
	if err != nil {
		return nil, data.Fail(data.ParseFailure, "read catalog", errors.Wrapf(err, "decoding %s", c.Path()))
	}

	return releases, nil
}

// RefreshIfStale fetches the catalog synchronously when none is cached yet.
// Otherwise the refresh runs in the background and the caller continues
// with the cached copy. The returned channel is closed once the refresh is
// over; callers are free to ignore it. Failures are only logged.
func (c *Catalog) RefreshIfStale(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	if !fileutils.Exists(c.Path()) {
		c.L.Info("fetching versions at first time")
		c.refreshLogged(ctx)
		close(done)
		return done
	}

	go func() {
		defer close(done)
		c.refreshLogged(ctx)
	}()

	return done
}

func (c *Catalog) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.L.Warn("failed to fetch remote versions", "error", err)
	}
}

// Refresh fetches every page of the feed and replaces the cached catalog.
// Pages after the first that fail are skipped; a failure of the first page
// leaves the existing catalog untouched.
func (c *Catalog) Refresh(ctx context.Context) error {
	hdr, err := c.fetchPage(ctx, 1)
	if err != nil {
		return err
	}

	last := lastPage(hdr.Link)

	if last <= 1 {
		return c.promote(c.pagePath(1))
	}

	for page := 2; page <= last; page++ {
		if _, err := c.fetchPage(ctx, page); err != nil {
			if ctx.Err() != nil {
				break
			}

			c.L.Warn("unable to cache page", "page", page, "error", err)

			// never merge a page left behind by an earlier run
			fileutils.Remove(c.pagePath(page))
		}
	}

	// an interrupted refresh would merge a partial catalog
	if err := ctx.Err(); err != nil {
		c.discardPages(last)
		return data.Fail(data.NetworkFailure, "refresh catalog", errors.Wrapf(err, "refresh interrupted"))
	}

	return c.merge(last)
}

func (c *Catalog) discardPages(last int) {
	for page := 1; page <= last; page++ {
		if err := fileutils.Remove(c.pagePath(page)); err != nil {
			c.L.Warn("unable to remove intermediate cache file", "page", page, "error", err)
		}
	}
}

type pageHeader struct {
	Link string
}

func (c *Catalog) fetchPage(ctx context.Context, page int) (*pageHeader, error) {
	u, err := c.pageURL(page)
	if err != nil {
		return nil, data.Fail(data.NetworkFailure, "fetch page", err)
	}

	c.L.Debug("fetching page", "page", page, "url", u)

	resp, err := c.client.Get(ctx, u)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	path := c.pagePath(page)

	f, err := fileutils.Create(path)
	if err != nil {
		return nil, data.Fail(data.IOFailure, "fetch page", err)
	}

	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(path)
		return nil, data.Fail(data.NetworkFailure, "fetch page", errors.Wrapf(err, "reading page %d", page))
	}

	return &pageHeader{Link: resp.Header.Get("Link")}, nil
}

// promote installs a lone page as the catalog, after checking it decodes.
func (c *Catalog) promote(path string) error {
	raw, err := fileutils.Read(path)
	if err != nil {
		return data.Fail(data.IOFailure, "promote page", err)
	}

	var records []json.RawMessage

	err = json.Unmarshal(raw, &records)
	if err != nil {
		os.Remove(path)
		return data.Fail(data.ParseFailure, "promote page", errors.Wrapf(err, "decoding %s", path))
	}

	err = os.Rename(path, c.Path())
	if err != nil {
		os.Remove(path)
		return data.Fail(data.IOFailure, "promote page", err)
	}

	return nil
}

// merge concatenates page files 1..last in page order into the catalog and
// removes them. Missing or undecodable pages are skipped; if none decodes
// the existing catalog is left alone.
func (c *Catalog) merge(last int) error {
	records := []json.RawMessage{}

	var (
		pages   []string
		decoded int
	)

	defer func() {
		for _, path := range pages {
			if err := fileutils.Remove(path); err != nil {
				c.L.Warn("unable to remove intermediate cache file", "path", path, "error", err)
			}
		}
	}()

	for page := 1; page <= last; page++ {
		path := c.pagePath(page)

		if !fileutils.Exists(path) {
			continue
		}

		pages = append(pages, path)

		raw, err := fileutils.Read(path)
		if err != nil {
			c.L.Warn("unable to read page", "page", page, "error", err)
			continue
		}

		var pageRecords []json.RawMessage

		err = json.Unmarshal(raw, &pageRecords)
		if err != nil {
			c.L.Warn("unable to decode page", "page", page, "error", err)
			continue
		}

		records = append(records, pageRecords...)
		decoded++
	}

	if len(pages) == 0 {
		return data.Fail(data.NotFound, "merge catalog", errors.New("no pages were fetched"))
	}

	if decoded == 0 {
		return data.Fail(data.ParseFailure, "merge catalog", errors.New("no page held a release list"))
	}

	out, err := json.Marshal(records)
	if err != nil {
		return data.Fail(data.ParseFailure, "merge catalog", err)
	}

	err = fileutils.Replace(c.Path(), bytes.NewReader(out))
	if err != nil {
		return data.Fail(data.IOFailure, "merge catalog", err)
	}

	c.L.Debug("merged catalog", "pages", len(pages), "records", len(records))

	return nil
}

// lastPage extracts the page number of the rel="last" link, or 1.
func lastPage(header string) int {
	if header == "" {
		return 1
	}

	for _, link := range linkheader.Parse(header).FilterByRel("last") {
		u, err := url.Parse(link.URL)
		if err != nil {
			continue
		}

		n, err := strconv.Atoi(u.Query().Get("page"))
		if err != nil || n < 1 {
			continue
		}

		return n
	}

	return 1
}

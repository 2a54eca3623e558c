package cleanhttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"lab47.dev/cmvm/pkg/data"
)

var DefaultTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	DisableCompression:    true,
}

var DefaultClient = &http.Client{
	Transport: DefaultTransport,
}

const FeedAccept = "application/vnd.github.v3+json"

// Client issues GET requests against the release feed and its asset URLs.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Accept    string

	// Token, when set, is sent as a GitHub API token.
	Token string
}

func New(userAgent string) *Client {
	return &Client{
		HTTP:      DefaultClient,
		UserAgent: userAgent,
		Accept:    FeedAccept,
	}
}

// Get performs a GET and returns the response if the status is 2xx. Any
// other outcome is a data.NetworkFailure; the body is closed in that case.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, data.Fail(data.NetworkFailure, "GET "+url, err)
	}

	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	if c.Accept != "" {
		req.Header.Set("Accept", c.Accept)
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "token "+c.Token)
	}

	hc := c.HTTP
	if hc == nil {
		hc = DefaultClient
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, data.Fail(data.NetworkFailure, "GET "+url, errors.WithStack(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, data.Fail(data.NetworkFailure, "GET "+url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return resp, nil
}

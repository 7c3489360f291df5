// Package httpclient builds the outbound HTTP client used for the
// GraphQL endpoint.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/crmsync/errors"
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Timeout      time.Duration // default 30s
	MaxRedirects int           // default 10
	// BlockPrivateIP refuses loopback, private and link-local targets,
	// including hosts that resolve to them.
	BlockPrivateIP bool
	UserAgent      string
	// Header is added to every request (e.g. Authorization).
	Header http.Header
}

// Client is an http.Client restricted to http(s) with optional private
// address blocking.
type Client struct {
	*http.Client
	opts Options
}

// New returns a client for opts.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	c := &Client{Client: &http.Client{Timeout: opts.Timeout}, opts: opts}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
		}
		return errors.Wrap(c.check(req.URL), "redirect blocked")
	}

	if opts.BlockPrivateIP {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, a := range addrs {
					if isPrivate(a) {
						return nil, errors.Newf("private address blocked: %s", a)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
	return c
}

// Wrap adapts an existing http.Client, e.g. one from httptest.
func Wrap(hc *http.Client) *Client {
	return &Client{Client: hc, opts: Options{MaxRedirects: 10}}
}

// Check parses and validates a URL before use.
func (c *Client) Check(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains([]string{"http", "https"}, scheme) {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !c.opts.BlockPrivateIP {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if a, err := netip.ParseAddr(host); err == nil && isPrivate(a) {
		return errors.Newf("private address blocked: %s", host)
	}
	return nil
}

// Do validates the request URL, adds the configured headers and sends it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.opts.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return c.Client.Do(req)
}

func isPrivate(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsMulticast() || a.IsUnspecified() ||
		(a.Is4() && a.As4()[0] == 0)
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}

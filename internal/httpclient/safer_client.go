// Package httpclient provides the outbound HTTP client used by webhook actions.
//
// Webhook URLs come from configuration that an operator can edit at runtime,
// so the client refuses loopback, link-local and private destinations unless
// the action explicitly opts in with allow_private_network.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/loom/errors"
)

// DefaultMaxRedirects bounds redirect chains followed by a SaferClient
const DefaultMaxRedirects = 5

// maxResponseBytes caps how much of a webhook reply is read
const maxResponseBytes = 1 << 20

// Options configures a SaferClient
type Options struct {
	Timeout             time.Duration
	AllowPrivateNetwork bool
	MaxRedirects        int
}

// SaferClient wraps http.Client with destination checks on every hop
type SaferClient struct {
	*http.Client
	allowPrivate bool
	maxRedirects int
}

// NewSaferClient creates a client that blocks private destinations
func NewSaferClient(timeout time.Duration) *SaferClient {
	return NewSaferClientWithOptions(Options{Timeout: timeout})
}

// NewSaferClientWithOptions creates a client from opts
func NewSaferClientWithOptions(opts Options) *SaferClient {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	c := &SaferClient{
		Client:       &http.Client{Timeout: opts.Timeout},
		allowPrivate: opts.AllowPrivateNetwork,
		maxRedirects: opts.MaxRedirects,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.checkURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !c.allowPrivate {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// Resolved addresses are checked here so DNS answers cannot point back inside
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range addrs {
					if IsPrivateAddr(ip) {
						return nil, errors.Newf("private address blocked: %s", ip)
					}
				}
				if len(addrs) == 0 {
					return nil, errors.Newf("no addresses for host %q", host)
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
			},
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	return c
}

// WrapClient wraps client without destination checks. Tests use it to reach httptest servers.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{Client: client, allowPrivate: true, maxRedirects: DefaultMaxRedirects}
}

// ValidateURL parses raw and checks it against the client's destination rules
func (c *SaferClient) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.checkURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *SaferClient) checkURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip, err := netip.ParseAddr(host); err == nil && IsPrivateAddr(ip) {
		return errors.Newf("private address blocked: %s", host)
	}
	return nil
}

// Do validates the request destination, then sends it
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.checkURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// PostJSON sends body as JSON to target and decodes a 2xx JSON reply into out.
// Non-2xx replies return an error carrying the status and a prefix of the body.
func (c *SaferClient) PostJSON(ctx context.Context, target string, headers map[string]string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return errors.WithDetail(errors.Newf("%s returned %d", target, resp.StatusCode), snippet)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

// IsPrivateAddr reports whether ip is loopback, private, link-local, multicast or unspecified
func IsPrivateAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.Is4() {
		// 0.0.0.0/8 and 240.0.0.0/4
		b := ip.As4()
		return b[0] == 0 || b[0] >= 240
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}

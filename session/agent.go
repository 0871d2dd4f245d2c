package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is the legacy browser identity sent with every request.
const DefaultUserAgent = "Mozilla/4.0 (compatible; MSIE 6.0; Windows NT 5.1; .NET CLR 1.0.3705;)"

// DefaultMaxBodyBytes caps a decoded response body.
const DefaultMaxBodyBytes int64 = 16 << 20

// ErrNetwork marks transport, decompression and body read failures.
var ErrNetwork = errors.New("network error")

// Agent is an HTTP client with its own cookie jar. An Agent is meant for a
// single script invocation and is not safe for concurrent use.
type Agent struct {
	client       *http.Client
	transport    *http.Transport
	jar          *cookiejar.Jar
	userAgent    string
	maxBodyBytes int64
}

// Option configures an Agent.
type Option func(*Agent)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(a *Agent) {
		if ua != "" {
			a.userAgent = ua
		}
	}
}

// WithMaxBodyBytes overrides the response body cap.
func WithMaxBodyBytes(n int64) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// New creates an Agent with a fresh transport and an empty cookie jar.
func New(opts ...Option) (*Agent, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Decoding is done by hand so that br is covered too.
		DisableCompression: true,
	}

	a := &Agent{
		transport:    transport,
		jar:          jar,
		userAgent:    DefaultUserAgent,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.client = &http.Client{Transport: transport, Jar: jar}
	return a, nil
}

// Get fetches rawURL and returns the decoded body.
func (a *Agent) Get(ctx context.Context, rawURL string) (string, error) {
	body, _, err := a.GetWith(ctx, rawURL)
	return body, err
}

// GetWith fetches rawURL and also returns "scheme://host/" of the URL the
// redirects ended on.
func (a *Agent) GetWith(ctx context.Context, rawURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid request for %s: %v", ErrNetwork, rawURL, err)
	}
	return a.do(req)
}

// Post submits form as application/x-www-form-urlencoded and returns the
// decoded body.
func (a *Agent) Post(ctx context.Context, rawURL string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: invalid request for %s: %v", ErrNetwork, rawURL, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body, _, err := a.do(req)
	return body, err
}

// LoadCookie imports a "a=1; b=2" cookie string for the origin of rawURL.
// Malformed entries are skipped. It returns how many cookies were stored.
func (a *Agent) LoadCookie(rawURL, cookies string) (int, error) {
	u, err := parseOrigin(rawURL)
	if err != nil {
		return 0, err
	}

	var accepted []*http.Cookie
	for _, part := range strings.Split(cookies, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, err := http.ParseSetCookie(part)
		if err != nil || c.Name == "" {
			continue
		}
		// Host-only, whole-site cookies.
		accepted = append(accepted, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	if len(accepted) > 0 {
		a.jar.SetCookies(u, accepted)
	}
	return len(accepted), nil
}

// Cookies returns the cookies the jar would send to rawURL.
func (a *Agent) Cookies(rawURL string) []*http.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return a.jar.Cookies(u)
}

// Close releases idle connections held by the agent's transport.
func (a *Agent) Close() {
	a.transport.CloseIdleConnections()
}

func (a *Agent) do(req *http.Request) (string, string, error) {
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp, a.maxBodyBytes)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL, err)
	}

	final := resp.Request.URL
	base := final.Scheme + "://" + final.Host + "/"
	return body, base, nil
}

func parseOrigin(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cookie url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid cookie url %q: scheme and host are required", rawURL)
	}
	return u, nil
}

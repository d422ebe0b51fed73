// Package companion notifies the chat application's own backend about
// encryption setup milestones.
package companion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// CrossSigningCompletePath is the endpoint told that cross-signing setup
// finished.
const CrossSigningCompletePath = "/matrix-chat/cross-signing-complete"

const defaultTimeout = 10 * time.Second

// Notifier posts notifications to the companion backend at one origin,
// sending that origin's cookies with every request.
type Notifier struct {
	origin     *url.URL
	httpClient *http.Client
	cookies    []*http.Cookie
	logger     *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient sets the HTTP client. Its cookie jar is replaced by one
// scoped to the origin unless it already has one.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) {
		n.httpClient = hc
	}
}

// WithCookies seeds the origin's cookie jar, typically with the browser
// session cookie of the chat application.
func WithCookies(cookies ...*http.Cookie) Option {
	return func(n *Notifier) {
		n.cookies = append(n.cookies, cookies...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// New creates a Notifier for origin, e.g. "https://chat.example.org".
func New(origin string, opts ...Option) (*Notifier, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing companion origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("companion origin %q must be absolute", origin)
	}
	n := &Notifier{
		origin: &url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.httpClient == nil {
		n.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if n.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc := *n.httpClient
		hc.Jar = jar
		n.httpClient = &hc
	}
	if len(n.cookies) > 0 {
		n.httpClient.Jar.SetCookies(n.origin, n.cookies)
	}
	return n, nil
}

// CrossSigningComplete tells the backend that cross-signing setup finished.
// The response body is ignored; any non-2xx status is an error.
func (n *Notifier) CrossSigningComplete(ctx context.Context) error {
	return n.post(ctx, CrossSigningCompletePath)
}

func (n *Notifier) post(ctx context.Context, path string) error {
	target := n.origin.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Origin", n.origin.Scheme+"://"+n.origin.Host)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting %s: unexpected status %d", path, resp.StatusCode)
	}
	n.logger.Debug("companion notified", "path", path)
	return nil
}

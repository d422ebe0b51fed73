// Package matrix adapts the mautrix client to the parts of the Matrix
// client-server API used to establish a session and manage its encryption
// trust material, and maps its failures onto ErrNetwork and *Error.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const defaultTimeout = 30 * time.Second

// ErrInvalidBaseURL is returned when a homeserver address does not parse.
var ErrInvalidBaseURL = errors.New("invalid homeserver base url")

// Client talks to one homeserver. A Client without an access token can only
// call the unauthenticated endpoints (login, registration).
type Client struct {
	cli  *mautrix.Client
	opts options
}

type options struct {
	httpClient  *http.Client
	userID      string
	accessToken string
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithAccessToken authenticates every request with token.
func WithAccessToken(token string) Option {
	return func(o *options) {
		o.accessToken = token
	}
}

// WithUserID sets the user whose account data the client reads and writes.
func WithUserID(userID string) Option {
	return func(o *options) {
		o.userID = userID
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a client for the homeserver at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := options{
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	cli, err := mautrix.NewClient(strings.TrimRight(baseURL, "/"), id.UserID(o.userID), o.accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	cli.Client = o.httpClient
	return &Client{cli: cli, opts: o}, nil
}

// BaseURL returns the homeserver base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.cli.HomeserverURL.String(), "/")
}

// Authenticated returns a client for the same homeserver that acts as
// userID with token.
func (c *Client) Authenticated(userID, token string) (*Client, error) {
	return New(c.BaseURL(),
		WithHTTPClient(c.opts.httpClient),
		WithLogger(c.opts.logger),
		WithUserID(userID),
		WithAccessToken(token),
	)
}

// do sends one request through the mautrix transport and decodes a 2xx
// reply into result.
func (c *Client) do(ctx context.Context, method, u string, body, result any) error {
	raw, err := c.cli.MakeRequest(ctx, method, u, body, result)
	return c.wrap(method, u, err, raw)
}

// wrap maps a mautrix failure onto ErrNetwork or *Error. body is the raw
// reply, when the caller has it.
func (c *Client) wrap(method, u string, err error, body []byte) error {
	if err == nil {
		return nil
	}
	path := u
	if parsed, perr := url.Parse(u); perr == nil {
		path = parsed.Path
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	if httpErr.Response == nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	status := httpErr.Response.StatusCode
	if status < 300 {
		return fmt.Errorf("decoding response: %w", err)
	}

	mErr := &Error{StatusCode: status, Body: body}
	if httpErr.RespError != nil {
		mErr.Code = httpErr.RespError.ErrCode
		mErr.Message = httpErr.RespError.Err
	} else {
		mErr.Message = strings.TrimSpace(string(body))
	}
	if mErr.Message == "" {
		mErr.Message = http.StatusText(status)
	}
	c.opts.logger.Debug("matrix request rejected",
		"method", method, "path", path, "status", status, "errcode", mErr.Code)
	return mErr
}

package auth

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/crossguard/internal/telemetry"
	"github.com/jmcleod/crossguard/matrix"
)

// DefaultDeviceDisplayName is the initial display name of devices created
// by login and registration.
const DefaultDeviceDisplayName = "crossguard"

// Option configures Login and Registrar.
type Option func(*config)

type config struct {
	httpClient        *http.Client
	deviceDisplayName string
	navigator         Navigator
	metrics           *telemetry.Metrics
	logger            *slog.Logger
}

func newConfig(opts []Option) config {
	c := config{
		deviceDisplayName: DefaultDeviceDisplayName,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithHTTPClient sets the HTTP client of the temporary homeserver clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithDeviceDisplayName sets the display name given to new devices.
func WithDeviceDisplayName(name string) Option {
	return func(c *config) {
		c.deviceDisplayName = name
	}
}

// WithNavigator sets how federated login sends the user agent away.
func WithNavigator(n Navigator) Option {
	return func(c *config) {
		c.navigator = n
	}
}

// WithMetrics records flow outcomes in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// client opens a fresh, unauthenticated client bound to baseURL.
func (c config) client(baseURL string) (*matrix.Client, error) {
	opts := []matrix.Option{matrix.WithLogger(c.logger)}
	if c.httpClient != nil {
		opts = append(opts, matrix.WithHTTPClient(c.httpClient))
	}
	return matrix.New(baseURL, opts...)
}

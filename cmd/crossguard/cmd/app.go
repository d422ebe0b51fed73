package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/jmcleod/crossguard/auth"
	"github.com/jmcleod/crossguard/companion"
	"github.com/jmcleod/crossguard/config"
	"github.com/jmcleod/crossguard/crosssign"
	"github.com/jmcleod/crossguard/e2ee"
	"github.com/jmcleod/crossguard/guard"
	"github.com/jmcleod/crossguard/internal/telemetry"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
	"github.com/jmcleod/crossguard/storage"
	bboltstorage "github.com/jmcleod/crossguard/storage/bbolt"
	"github.com/jmcleod/crossguard/storage/memory"
	pgstorage "github.com/jmcleod/crossguard/storage/postgres"
)

var metricsOut string

var (
	_ guard.Authenticator = (*auth.Login)(nil)
	_ guard.CrossSigner   = (*crosssign.Manager)(nil)
)

func init() {
	rootCmd.PersistentFlags().StringVar(&metricsOut, "metrics-out", "", "Write flow metrics in Prometheus text format to this file on exit")
}

// app holds what one command invocation needs: the opened session state,
// the metrics registry and the shared HTTP client.
type app struct {
	state      *session.State
	registry   *prometheus.Registry
	metrics    *telemetry.Metrics
	httpClient *http.Client
	closeRepo  func()
}

func openRepository(ctx context.Context) (storage.Repository, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() {}, nil
	case config.BackendPostgres:
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "session.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}

func openApp(ctx context.Context) (*app, error) {
	if cfg.StorePassphrase == "" && cfg.Backend != config.BackendMemory {
		return nil, errors.New("a store passphrase is required (CROSSGUARD_STORE_PASSPHRASE)")
	}
	repo, closeRepo, err := openRepository(ctx)
	if err != nil {
		return nil, err
	}
	state, err := session.Open(repo, cfg.StorePassphrase,
		session.WithNamespace(cfg.Namespace),
		session.WithLogger(logger),
	)
	if err != nil {
		closeRepo()
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	reg := prometheus.NewRegistry()
	return &app{
		state:      state,
		registry:   reg,
		metrics:    telemetry.NewMetrics(reg),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		closeRepo:  closeRepo,
	}, nil
}

func (a *app) Close() error {
	a.state.Close()
	a.closeRepo()
	if metricsOut == "" {
		return nil
	}
	return a.writeMetrics(metricsOut)
}

func (a *app) writeMetrics(path string) error {
	families, err := a.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	defer f.Close()
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}

func (a *app) authOptions(extra ...auth.Option) []auth.Option {
	opts := []auth.Option{
		auth.WithHTTPClient(a.httpClient),
		auth.WithDeviceDisplayName(cfg.DeviceDisplayName),
		auth.WithMetrics(a.metrics),
		auth.WithLogger(logger),
	}
	return append(opts, extra...)
}

func (a *app) login(extra ...auth.Option) *auth.Login {
	return auth.NewLogin(a.state, a.authOptions(extra...)...)
}

// session returns the stored credentials and a client carrying them.
func (a *app) session() (session.Credentials, *matrix.Client, error) {
	creds, err := a.state.Credentials.Load()
	if errors.Is(err, session.ErrNoSession) {
		return creds, nil, errors.New("not logged in")
	}
	if err != nil {
		return creds, nil, err
	}
	client, err := a.client(creds)
	if err != nil {
		return creds, nil, err
	}
	return creds, client, nil
}

func (a *app) client(creds session.Credentials) (*matrix.Client, error) {
	return matrix.New(creds.BaseURL,
		matrix.WithHTTPClient(a.httpClient),
		matrix.WithUserID(creds.UserID),
		matrix.WithAccessToken(creds.AccessToken),
		matrix.WithLogger(logger),
	)
}

func (a *app) notifier() (crosssign.Notifier, error) {
	if cfg.CompanionOrigin == "" {
		return nil, nil
	}
	opts := []companion.Option{
		companion.WithHTTPClient(a.httpClient),
		companion.WithLogger(logger),
	}
	if cfg.CompanionCookie != "" {
		cookies, err := http.ParseCookie(cfg.CompanionCookie)
		if err != nil {
			return nil, fmt.Errorf("parsing companion cookie: %w", err)
		}
		opts = append(opts, companion.WithCookies(cookies...))
	}
	return companion.New(cfg.CompanionOrigin, opts...)
}

func (a *app) crossSigner(ctx context.Context, creds session.Credentials) (guard.CrossSigner, error) {
	return a.manager(creds)
}

func (a *app) manager(creds session.Credentials) (*crosssign.Manager, error) {
	client, err := a.client(creds)
	if err != nil {
		return nil, err
	}
	engine := e2ee.New(client, creds.UserID, a.state, e2ee.WithLogger(logger))
	opts := []crosssign.Option{
		crosssign.WithMetrics(a.metrics),
		crosssign.WithLogger(logger),
	}
	n, err := a.notifier()
	if err != nil {
		return nil, err
	}
	if n != nil {
		opts = append(opts, crosssign.WithNotifier(n))
	}
	return crosssign.NewManager(engine, a.state.Secrets, opts...), nil
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close())
	}()
	return fn(a)
}

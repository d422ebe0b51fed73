// Package guard revalidates the persisted session at process start and
// runs any cross-signing action requested through the launch address.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/crossguard/e2ee"
	"github.com/jmcleod/crossguard/internal/telemetry"
	"github.com/jmcleod/crossguard/launch"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

// Authenticator re-presents the external token and ends the session.
// *auth.Login satisfies it.
type Authenticator interface {
	LoginWithExternalToken(ctx context.Context, baseURL, token, deviceID string) (session.Credentials, error)
	Logout(ctx context.Context) error
}

// CrossSigner bootstraps or restores cross-signing. *crosssign.Manager
// satisfies it.
type CrossSigner interface {
	Bootstrap(ctx context.Context, setupPassphrase, recoveryPassphrase string) error
	Restore(ctx context.Context, recoveryKey string) (*e2ee.RestoreResult, error)
}

// CrossSignerFactory builds a CrossSigner for the revalidated session.
type CrossSignerFactory func(ctx context.Context, creds session.Credentials) (CrossSigner, error)

var userIDPattern = regexp.MustCompile(`^@(.+?):.+?$`)

// Localpart returns the local part of a user id such as "@alice:example.org".
func Localpart(userID string) (string, bool) {
	m := userIDPattern.FindStringSubmatch(userID)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// tokenSubject reads the sub claim without verifying the signature; the
// homeserver is the party that verifies the token.
func tokenSubject(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	return claims.GetSubject()
}

// Guard is the startup revalidation pipeline.
type Guard struct {
	state  *session.State
	params *launch.Params
	auth   Authenticator

	crossSigner CrossSignerFactory
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	running atomic.Bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithCrossSigning enables the cross-signing launch parameters. Without it
// they are stripped and ignored.
func WithCrossSigning(f CrossSignerFactory) Option {
	return func(g *Guard) {
		g.crossSigner = f
	}
}

// WithMetrics records run outcomes in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// New creates a Guard over the persisted state and the launch address.
func New(state *session.State, params *launch.Params, auth Authenticator, opts ...Option) *Guard {
	g := &Guard{
		state:  state,
		params: params,
		auth:   auth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var errVerification = errors.New("session verification failed")

// Run revalidates the session and reports whether it may be used. It never
// fails: any problem ends in a logout and false. The jwt, csSetupKey and
// csRecoveryKey launch parameters are gone from the address when Run
// returns. A second Run while one is in flight returns false at once.
func (g *Guard) Run(ctx context.Context) (verified bool) {
	if !g.running.CompareAndSwap(false, true) {
		g.logger.Warn("session revalidation already running")
		return false
	}
	defer g.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, "revalidate")
	var runErr error
	defer func() {
		telemetry.End(span, runErr)
		g.metrics.RecordResult(telemetry.FlowRevalidate, runErr)
	}()

	token, hasToken := g.params.Drain(launch.ParamJWT)
	setupKey, _ := g.params.Drain(launch.ParamSetupKey)
	recoveryKey, hasRecovery := g.params.Drain(launch.ParamRecoveryKey)

	if err := g.revalidate(ctx, token, hasToken); err != nil {
		runErr = err
		return g.fail(ctx, err)
	}
	if hasRecovery {
		if err := g.crossSign(ctx, setupKey, recoveryKey); err != nil {
			runErr = err
			return g.fail(ctx, err)
		}
	}
	return true
}

func (g *Guard) revalidate(ctx context.Context, token string, hasToken bool) error {
	creds, err := g.state.Credentials.Load()
	hasSession := err == nil
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		return fmt.Errorf("loading session: %w", err)
	}
	current, err := g.state.Credentials.ExternalToken()
	if err != nil {
		return fmt.Errorf("loading external token: %w", err)
	}

	if hasToken && hasSession {
		subject, err := tokenSubject(token)
		if err != nil {
			return err
		}
		localpart, ok := Localpart(creds.UserID)
		if !ok {
			return fmt.Errorf("%w: stored user id %q has no localpart", errVerification, creds.UserID)
		}
		if subject != localpart {
			return fmt.Errorf("%w: token subject %q does not match %s", errVerification, subject, creds.UserID)
		}
		if current == "" {
			return fmt.Errorf("%w: no external token on record", errVerification)
		}
	}

	baseURL, err := g.state.Credentials.BaseURL()
	if err != nil {
		return fmt.Errorf("loading base url: %w", err)
	}
	if baseURL == "" || current == "" {
		return nil
	}
	if _, err := g.auth.LoginWithExternalToken(ctx, baseURL, current, creds.DeviceID); err != nil {
		if hasToken && creds.DeviceID != "" {
			g.params.Set(launch.ParamDeviceID, creds.DeviceID)
		}
		return fmt.Errorf("re-presenting external token: %w", err)
	}
	return nil
}

func (g *Guard) crossSign(ctx context.Context, setupKey, recoveryKey string) error {
	if g.crossSigner == nil {
		g.logger.Info("cross-signing requested but not available, skipping")
		return nil
	}
	creds, err := g.state.Credentials.Load()
	if errors.Is(err, session.ErrNoSession) {
		g.logger.Warn("cross-signing requested without a session, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	signer, err := g.crossSigner(ctx, creds)
	if err != nil {
		return fmt.Errorf("preparing cross-signing: %w", err)
	}

	if setupKey != "" {
		return signer.Bootstrap(ctx, setupKey, recoveryKey)
	}
	_, err = signer.Restore(ctx, recoveryKey)
	if matrix.IsRejected(err, matrix.ErrCodeBadBackupKey) {
		g.logger.Warn("recovery key rejected", "user_id", creds.UserID, "error", err)
		return nil
	}
	return err
}

func (g *Guard) fail(ctx context.Context, cause error) bool {
	g.logger.Warn("session not verified, logging out", "error", cause)
	if err := g.auth.Logout(ctx); err != nil {
		g.logger.Error("logout failed", "error", err)
	}
	return false
}

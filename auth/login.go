// Package auth drives login and registration against a homeserver and
// records the resulting session in the credential store.
package auth

import (
	"context"
	"fmt"

	"github.com/jmcleod/crossguard/internal/telemetry"
	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

// IdentifierKind selects how a password login names the account.
type IdentifierKind string

// Identifier kinds.
const (
	KindUsername IdentifierKind = "username"
	KindEmail    IdentifierKind = "email"
)

// Identifier names the account for a password login.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

func (id Identifier) matrixIdentifier() (*matrix.UserIdentifier, error) {
	if id.Value == "" {
		return nil, ErrInvalidInput
	}
	switch id.Kind {
	case KindUsername:
		return &matrix.UserIdentifier{Type: matrix.IdentifierTypeUser, User: id.Value}, nil
	case KindEmail:
		return &matrix.UserIdentifier{
			Type:    matrix.IdentifierTypeThirdParty,
			Medium:  "email",
			Address: util.FoldEmail(id.Value),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown identifier kind %q", ErrInvalidInput, id.Kind)
	}
}

// Navigator sends the user agent to an external address. Federated login
// completes on a later process start.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Login drives the login flows. Each flow opens a fresh unauthenticated
// client for the requested base URL and, on success, writes the session
// credentials in one atomic step. Failures are returned as-is: no flow
// retries.
type Login struct {
	state *session.State
	cfg   config
}

// NewLogin creates a Login writing into state.
func NewLogin(state *session.State, opts ...Option) *Login {
	return &Login{state: state, cfg: newConfig(opts)}
}

// LoginWithPassword logs in with a username or email address and password.
// An empty identifier fails with ErrInvalidInput before any request is sent.
func (l *Login) LoginWithPassword(ctx context.Context, baseURL string, id Identifier, password string) (session.Credentials, error) {
	identifier, err := id.matrixIdentifier()
	if err != nil {
		return session.Credentials{}, err
	}
	return l.login(ctx, baseURL, matrix.LoginRequest{
		Type:                     matrix.LoginTypePassword,
		Identifier:               identifier,
		Password:                 password,
		InitialDeviceDisplayName: l.cfg.deviceDisplayName,
	})
}

// LoginWithToken completes a login with a one-time login token, such as
// the one a federated login hands back.
func (l *Login) LoginWithToken(ctx context.Context, baseURL, token string) (session.Credentials, error) {
	return l.login(ctx, baseURL, matrix.LoginRequest{
		Type:                     matrix.LoginTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: l.cfg.deviceDisplayName,
	})
}

// LoginWithExternalToken logs in with an externally-issued token for an
// explicit device, and keeps the token so it can be re-presented later.
func (l *Login) LoginWithExternalToken(ctx context.Context, baseURL, token, deviceID string) (session.Credentials, error) {
	return l.login(ctx, baseURL, matrix.LoginRequest{
		Type:     matrix.LoginTypeJWT,
		Token:    token,
		DeviceID: deviceID,
	}, session.WithExternalToken(token))
}

func (l *Login) login(ctx context.Context, baseURL string, req matrix.LoginRequest, saveOpts ...session.SaveOption) (creds session.Credentials, err error) {
	ctx, span := telemetry.StartSpan(ctx, "login", telemetry.BaseURL(baseURL), telemetry.LoginType(req.Type))
	defer func() {
		telemetry.End(span, err)
		l.cfg.metrics.RecordResult(telemetry.FlowLogin, err)
	}()

	client, err := l.cfg.client(baseURL)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	resp, err := client.Login(ctx, req)
	if err != nil {
		l.cfg.logger.Warn("login failed", "base_url", client.BaseURL(), "login_type", req.Type, "error", err)
		return session.Credentials{}, err
	}

	creds = session.Credentials{
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID,
		UserID:      resp.UserID,
		BaseURL:     resp.EffectiveBaseURL(client.BaseURL()),
	}
	if err := l.state.Credentials.Save(creds, saveOpts...); err != nil {
		return session.Credentials{}, fmt.Errorf("storing session: %w", err)
	}
	l.cfg.logger.Info("logged in", "user_id", creds.UserID, "base_url", creds.BaseURL, "login_type", req.Type)
	return creds, nil
}

// StartFederatedLogin records baseURL as the pending homeserver and sends
// the user agent to its SSO (or CAS) redirect endpoint, which returns to
// returnTo with a login token. loginType is "sso" or "cas"; idpID optionally
// picks one identity provider.
func (l *Login) StartFederatedLogin(ctx context.Context, baseURL, loginType, idpID, returnTo string) error {
	if l.cfg.navigator == nil {
		return ErrNoNavigator
	}
	switch loginType {
	case "", matrix.SSOTypeSSO, matrix.SSOTypeCAS:
	default:
		return fmt.Errorf("%w: unknown federated login type %q", ErrInvalidInput, loginType)
	}

	client, err := l.cfg.client(baseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := l.state.Credentials.SetPendingBaseURL(client.BaseURL()); err != nil {
		return fmt.Errorf("storing base url: %w", err)
	}
	target := client.SSOLoginURL(returnTo, loginType, idpID)
	l.cfg.logger.Info("starting federated login", "base_url", client.BaseURL(), "idp", idpID)
	return l.cfg.navigator.Navigate(ctx, target)
}

// Logout invalidates the access token on the homeserver, if there is a
// session, and clears all local session state. A failed remote logout is
// logged and does not stop the local clear.
func (l *Login) Logout(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "logout")
	defer func() {
		telemetry.End(span, err)
		l.cfg.metrics.RecordResult(telemetry.FlowLogout, err)
	}()

	if creds, loadErr := l.state.Credentials.Load(); loadErr == nil {
		if err := l.remoteLogout(ctx, creds); err != nil {
			l.cfg.logger.Warn("remote logout failed", "user_id", creds.UserID, "error", err)
		}
	}
	if err := l.state.Clear(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	l.cfg.logger.Info("logged out")
	return nil
}

func (l *Login) remoteLogout(ctx context.Context, creds session.Credentials) error {
	client, err := l.cfg.client(creds.BaseURL)
	if err != nil {
		return err
	}
	client, err = client.Authenticated(creds.UserID, creds.AccessToken)
	if err != nil {
		return err
	}
	return client.Logout(ctx)
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crossguard/internal/matrixtest"
	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
	"github.com/jmcleod/crossguard/storage/memory"
)

var testKDF = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}

func newState(t *testing.T) *session.State {
	t.Helper()
	st, err := session.Open(memory.NewRepository(), "store", session.WithKDFParams(testKDF))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestLoginWithPassword(t *testing.T) {
	srv := matrixtest.New(t)
	srv.Passwords["alice"] = "pw"
	srv.Emails["alice@example.org"] = "alice"
	ctx := context.Background()

	tests := []struct {
		name string
		id   Identifier
	}{
		{"Username", Identifier{Kind: KindUsername, Value: "alice"}},
		{"Email", Identifier{Kind: KindEmail, Value: "Alice@Example.ORG"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newState(t)
			creds, err := NewLogin(st).LoginWithPassword(ctx, srv.URL, tt.id, "pw")
			require.NoError(t, err)
			assert.Equal(t, matrixtest.UserID("alice"), creds.UserID)
			assert.Equal(t, srv.URL, creds.BaseURL)

			stored, err := st.Credentials.Load()
			require.NoError(t, err)
			assert.Equal(t, creds, stored)
		})
	}
}

func TestLoginWithPasswordInvalidInput(t *testing.T) {
	srv := matrixtest.New(t)
	st := newState(t)
	l := NewLogin(st)

	for _, id := range []Identifier{
		{Kind: KindUsername},
		{Kind: KindEmail},
		{Kind: "phone", Value: "+123"},
		{},
	} {
		_, err := l.LoginWithPassword(context.Background(), srv.URL, id, "pw")
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Empty(t, srv.Requests(), "invalid input must not reach the network")
}

func TestLoginUsesWellKnownBaseURL(t *testing.T) {
	srv := matrixtest.New(t)
	srv.Passwords["alice"] = "pw"
	srv.WellKnownBaseURL = "https://delegated.example.org/"
	st := newState(t)

	creds, err := NewLogin(st).LoginWithPassword(context.Background(), srv.URL, Identifier{Kind: KindUsername, Value: "alice"}, "pw")
	require.NoError(t, err)
	assert.Equal(t, "https://delegated.example.org", creds.BaseURL)
}

func TestLoginRejected(t *testing.T) {
	srv := matrixtest.New(t)
	srv.Passwords["alice"] = "pw"
	st := newState(t)

	_, err := NewLogin(st).LoginWithPassword(context.Background(), srv.URL, Identifier{Kind: KindUsername, Value: "alice"}, "wrong")
	assert.True(t, matrix.IsRejected(err, matrix.ErrCodeForbidden))
	_, err = st.Credentials.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestLoginNetworkFailure(t *testing.T) {
	srv := matrixtest.New(t)
	baseURL := srv.URL
	srv.Close()
	st := newState(t)

	_, err := NewLogin(st).LoginWithToken(context.Background(), baseURL, "tok")
	assert.ErrorIs(t, err, matrix.ErrNetwork)
}

func TestLoginPartialResponseIsNotSuccess(t *testing.T) {
	server := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"syt_x","device_id":"DEV"}`))
	})
	srv := newRawServer(t, server)
	st := newState(t)

	_, err := NewLogin(st).LoginWithToken(context.Background(), srv, "tok")
	assert.ErrorIs(t, err, matrix.ErrIncompleteResponse)
	_, err = st.Credentials.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestLoginWithToken(t *testing.T) {
	srv := matrixtest.New(t)
	srv.LoginTokens["one-time"] = "bob"
	st := newState(t)

	creds, err := NewLogin(st).LoginWithToken(context.Background(), srv.URL, "one-time")
	require.NoError(t, err)
	assert.Equal(t, matrixtest.UserID("bob"), creds.UserID)

	tok, err := st.Credentials.ExternalToken()
	require.NoError(t, err)
	assert.Empty(t, tok, "one-time tokens are not kept")
}

func TestLoginWithExternalToken(t *testing.T) {
	srv := matrixtest.New(t)
	srv.LoginTokens["jwt-abc"] = "alice"
	st := newState(t)

	creds, err := NewLogin(st).LoginWithExternalToken(context.Background(), srv.URL, "jwt-abc", "DEV1")
	require.NoError(t, err)
	assert.Equal(t, "DEV1", creds.DeviceID)

	tok, err := st.Credentials.ExternalToken()
	require.NoError(t, err)
	assert.Equal(t, "jwt-abc", tok)
}

type recordingNavigator struct {
	target string
	err    error
}

func (n *recordingNavigator) Navigate(_ context.Context, u string) error {
	n.target = u
	return n.err
}

func TestStartFederatedLogin(t *testing.T) {
	st := newState(t)
	nav := &recordingNavigator{}
	l := NewLogin(st, WithNavigator(nav))

	err := l.StartFederatedLogin(context.Background(), "https://hs.example.org/", matrix.SSOTypeSSO, "oidc", "https://chat.example.org/?room=1")
	require.NoError(t, err)

	u, err := url.Parse(nav.target)
	require.NoError(t, err)
	assert.Equal(t, "hs.example.org", u.Host)
	assert.Equal(t, "/_matrix/client/v3/login/sso/redirect/oidc", u.Path)
	assert.Equal(t, "https://chat.example.org/?room=1", u.Query().Get("redirectUrl"))

	base, err := st.Credentials.BaseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://hs.example.org", base)

	t.Run("NoNavigator", func(t *testing.T) {
		err := NewLogin(st).StartFederatedLogin(context.Background(), "https://hs.example.org", "", "", "")
		assert.ErrorIs(t, err, ErrNoNavigator)
	})

	t.Run("UnknownType", func(t *testing.T) {
		err := l.StartFederatedLogin(context.Background(), "https://hs.example.org", "saml", "", "")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("NavigatorError", func(t *testing.T) {
		failing := &recordingNavigator{err: errors.New("blocked")}
		err := NewLogin(st, WithNavigator(failing)).StartFederatedLogin(context.Background(), "https://hs.example.org", "", "", "")
		assert.EqualError(t, err, "blocked")
	})
}

func TestLogout(t *testing.T) {
	srv := matrixtest.New(t)
	srv.LoginTokens["jwt-abc"] = "alice"
	st := newState(t)
	l := NewLogin(st)

	creds, err := l.LoginWithExternalToken(context.Background(), srv.URL, "jwt-abc", "DEV1")
	require.NoError(t, err)
	require.NoError(t, st.Secrets.Set("k1", []byte("key")))

	require.NoError(t, l.Logout(context.Background()))
	assert.False(t, srv.TokenValid(creds.AccessToken))

	_, err = st.Credentials.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
	tok, err := st.Credentials.ExternalToken()
	require.NoError(t, err)
	assert.Empty(t, tok)
	has, err := st.Secrets.Has("k1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLogoutRemoteFailureStillClears(t *testing.T) {
	srv := matrixtest.New(t)
	srv.LoginTokens["jwt-abc"] = "alice"
	st := newState(t)
	l := NewLogin(st)

	_, err := l.LoginWithExternalToken(context.Background(), srv.URL, "jwt-abc", "DEV1")
	require.NoError(t, err)
	srv.Fail(http.MethodPost, "/logout", http.StatusInternalServerError, "M_UNKNOWN")

	require.NoError(t, l.Logout(context.Background()))
	_, err = st.Credentials.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestLogoutWithoutSession(t *testing.T) {
	srv := matrixtest.New(t)
	st := newState(t)
	require.NoError(t, NewLogin(st).Logout(context.Background()))
	assert.Empty(t, srv.Requests())
}

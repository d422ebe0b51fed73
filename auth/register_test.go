package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crossguard/internal/matrixtest"
	"github.com/jmcleod/crossguard/matrix"
	"github.com/jmcleod/crossguard/session"
)

func newRawServer(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRegisterStageAccumulates(t *testing.T) {
	srv := matrixtest.New(t)
	srv.RegisterStages = []string{"m.login.recaptcha", "m.login.terms", "m.login.dummy"}
	st := newState(t)
	r := NewRegistrar(st)
	ctx := context.Background()

	first, err := r.RegisterStage(ctx, srv.URL, "carol", "pw", nil)
	require.NoError(t, err)
	assert.Empty(t, first.Completed)
	assert.False(t, first.Done)
	require.NotEmpty(t, first.Session)
	assert.Equal(t, srv.RegisterStages, first.Flows[0].Stages)

	second, err := r.RegisterStage(ctx, srv.URL, "carol", "pw", map[string]any{"type": "m.login.recaptcha", "session": first.Session})
	require.NoError(t, err)
	assert.Equal(t, []string{"m.login.recaptcha"}, second.Completed)
	assert.False(t, second.Done)

	third, err := r.RegisterStage(ctx, srv.URL, "carol", "pw", map[string]any{"type": "m.login.terms", "session": first.Session})
	require.NoError(t, err)
	assert.Equal(t, []string{"m.login.recaptcha", "m.login.terms"}, third.Completed)
	assert.False(t, third.Done)

	_, err = st.Credentials.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)

	final, err := r.RegisterStage(ctx, srv.URL, "carol", "pw", map[string]any{"type": "m.login.dummy", "session": first.Session})
	require.NoError(t, err)
	assert.True(t, final.Done)
	assert.Equal(t, []string{"m.login.recaptcha", "m.login.terms"}, final.Completed)

	creds, err := st.Credentials.Load()
	require.NoError(t, err)
	assert.Equal(t, matrixtest.UserID("carol"), creds.UserID)
	assert.Equal(t, srv.URL, creds.BaseURL)
}

// stageServer answers each /register call with the next canned reply.
func stageServer(t *testing.T, replies ...func(w http.ResponseWriter)) string {
	t.Helper()
	i := 0
	return newRawServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if i >= len(replies) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		replies[i](w)
		i++
	}))
}

func reply(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestRegisterStageUnionInCallOrder(t *testing.T) {
	baseURL := stageServer(t,
		reply(http.StatusUnauthorized, `{"session":"s","completed":["m.login.terms"]}`),
		reply(http.StatusUnauthorized, `{"session":"s","completed":["m.login.recaptcha"]}`),
		reply(http.StatusOK, `{"completed":["m.login.terms","m.login.dummy"],"access_token":"syt","device_id":"D","user_id":"@dave:example.org"}`),
	)
	st := newState(t)
	r := NewRegistrar(st)
	ctx := context.Background()

	res, err := r.RegisterStage(ctx, baseURL, "dave", "pw", map[string]any{"type": "m.login.terms"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m.login.terms"}, res.Completed)

	res, err = r.RegisterStage(ctx, baseURL, "dave", "pw", map[string]any{"type": "m.login.recaptcha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m.login.terms", "m.login.recaptcha"}, res.Completed)

	res, err = r.RegisterStage(ctx, baseURL, "dave", "pw", map[string]any{"type": "m.login.dummy"})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, []string{"m.login.terms", "m.login.recaptcha", "m.login.dummy"}, res.Completed)

	creds, err := st.Credentials.Load()
	require.NoError(t, err)
	assert.Equal(t, "@dave:example.org", creds.UserID)
}

func TestRegisterStageTokenInFailureEnvelope(t *testing.T) {
	baseURL := stageServer(t,
		reply(http.StatusUnauthorized, `{"completed":["m.login.dummy"],"access_token":"syt","device_id":"D","user_id":"@erin:example.org"}`),
	)
	st := newState(t)

	res, err := NewRegistrar(st).RegisterStage(context.Background(), baseURL, "erin", "pw", nil)
	require.NoError(t, err)
	assert.True(t, res.Done)
	_, err = st.Credentials.Load()
	require.NoError(t, err)
}

func TestRegisterStageTerminalFailure(t *testing.T) {
	srv := matrixtest.New(t)
	srv.Passwords["taken"] = "pw"
	st := newState(t)

	_, err := NewRegistrar(st).RegisterStage(context.Background(), srv.URL, "taken", "pw", nil)
	require.Error(t, err)
	var mErr *matrix.Error
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "M_USER_IN_USE", mErr.Code)
}

func TestRegisterStagePartialCredentials(t *testing.T) {
	baseURL := stageServer(t,
		reply(http.StatusOK, `{"access_token":"syt","device_id":"D"}`),
	)
	st := newState(t)

	_, err := NewRegistrar(st).RegisterStage(context.Background(), baseURL, "frank", "pw", nil)
	assert.ErrorIs(t, err, matrix.ErrIncompleteResponse)
	_, err = st.Credentials.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestRequestEmailToken(t *testing.T) {
	srv := matrixtest.New(t)
	r := NewRegistrar(newState(t))

	tok, err := r.RequestEmailToken(context.Background(), srv.URL, "carol@example.org", "", 0, "")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ClientSecret)
	assert.Equal(t, "sid-"+tok.ClientSecret, tok.SID)

	_, err = r.RequestEmailToken(context.Background(), srv.URL, "", "", 1, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

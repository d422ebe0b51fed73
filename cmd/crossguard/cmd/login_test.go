package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crossguard/auth"
	"github.com/jmcleod/crossguard/internal/matrixtest"
	"github.com/jmcleod/crossguard/launch"
)

func TestCallbackServer(t *testing.T) {
	tokens := make(chan string, 1)
	srv := httptest.NewServer(callbackServer(tokens))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/callback")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/callback?loginToken=tok123")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok123", <-tokens)
}

func TestCompleteFederatedLogin(t *testing.T) {
	srv := matrixtest.New(t)
	srv.LoginTokens["one-time"] = "alice"
	a := &app{state: newTestState(t)}
	l := auth.NewLogin(a.state)

	params, err := launch.Parse("https://chat.example.org/?loginToken=one-time&room=1")
	require.NoError(t, err)

	t.Run("NoPendingLogin", func(t *testing.T) {
		p, err := launch.Parse("https://chat.example.org/?loginToken=one-time")
		require.NoError(t, err)
		assert.Error(t, completeFederatedLogin(context.Background(), a, l, p))
	})

	require.NoError(t, a.state.Credentials.SetPendingBaseURL(srv.URL))
	require.NoError(t, completeFederatedLogin(context.Background(), a, l, params))

	creds, err := a.state.Credentials.Load()
	require.NoError(t, err)
	assert.Equal(t, matrixtest.UserID("alice"), creds.UserID)
	assert.Equal(t, "https://chat.example.org/?room=1", params.String())

	assert.NoError(t, completeFederatedLogin(context.Background(), a, l, params))
}

package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/session"
	"github.com/jmcleod/crossguard/storage/memory"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var testKDF = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}

func newTestState(t *testing.T) *session.State {
	t.Helper()
	st, err := session.Open(memory.NewRepository(), "store", session.WithKDFParams(testKDF))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func findCheck(t *testing.T, result statusResult, name string) checkResult {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found", name)
	return checkResult{}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStatus_EmptyStore(t *testing.T) {
	result := inspectState(newTestState(t))

	assert.True(t, result.Healthy)
	assert.Equal(t, "default", result.Namespace)
	assert.Equal(t, "warn", findCheck(t, result, "session").Status)
	assert.Equal(t, "0 key(s)", findCheck(t, result, "cached_keys").Detail)
	for _, c := range result.Checks {
		assert.NotEqual(t, "external_token", c.Name)
		assert.NotEqual(t, "pending_login", c.Name)
	}
}

func TestStatus_LoggedIn(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.Credentials.Save(session.Credentials{
		AccessToken: "syt_alice",
		DeviceID:    "DEV1",
		UserID:      "@alice:example.org",
		BaseURL:     "https://matrix.example.org",
	}, session.WithExternalToken("ext")))
	require.NoError(t, st.Secrets.Set("KEY1", []byte("key")))
	require.NoError(t, st.RoomKeys.Import(session.RoomKeyID{RoomID: "!r:example.org", SessionID: "s1"}, []byte("{}")))

	result := inspectState(st)
	assert.True(t, result.Healthy)

	sess := findCheck(t, result, "session")
	assert.Equal(t, "pass", sess.Status)
	assert.Contains(t, sess.Detail, "@alice:example.org")
	assert.NotContains(t, sess.Detail, "syt_alice")
	assert.Equal(t, "pass", findCheck(t, result, "external_token").Status)
	assert.Equal(t, "1 key(s)", findCheck(t, result, "cached_keys").Detail)
	assert.Equal(t, "1 session(s)", findCheck(t, result, "room_keys").Detail)
}

func TestStatus_PendingFederatedLogin(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.Credentials.SetPendingBaseURL("https://matrix.example.org"))

	result := inspectState(st)
	pending := findCheck(t, result, "pending_login")
	assert.Equal(t, "warn", pending.Status)
	assert.Contains(t, pending.Detail, "https://matrix.example.org")
}

func TestStatus_WithoutExternalToken(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.Credentials.Save(session.Credentials{
		AccessToken: "syt", DeviceID: "D", UserID: "@bob:example.org", BaseURL: "https://matrix.example.org",
	}))
	assert.Equal(t, "warn", findCheck(t, inspectState(st), "external_token").Status)
}

func TestPrintHumanStatus(t *testing.T) {
	result := statusResult{Namespace: "default", Backend: "memory", Healthy: false}
	result.add("session", "pass", "ok")
	result.add("cached_keys", "fail", "boom")
	result.add("external_token", "warn", "")

	var buf bytes.Buffer
	printHumanStatus(&buf, result)
	out := buf.String()
	assert.Contains(t, out, "[PASS] session: ok")
	assert.Contains(t, out, "[FAIL] cached_keys: boom")
	assert.Contains(t, out, "[WARN] external_token\n")
	assert.Contains(t, out, "Result: UNHEALTHY (1 error(s), 1 warning(s))")
}

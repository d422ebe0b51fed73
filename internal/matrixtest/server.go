// Package matrixtest provides an in-process fake homeserver covering the
// client-server endpoints crossguard calls.
package matrixtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/id"

	"github.com/jmcleod/crossguard/matrix"
)

// Domain is the server name of every user on the fake homeserver.
const Domain = "example.org"

// Server is a fake homeserver. Fields may be set before requests are made;
// use the accessor methods once requests are in flight.
type Server struct {
	*httptest.Server

	mu sync.Mutex
	// Passwords maps localpart to password.
	Passwords map[string]string
	// LoginTokens maps one-time and external tokens to the localpart they log in.
	LoginTokens map[string]string
	// Emails maps a case-folded email address to a localpart.
	Emails map[string]string
	// RegisterStages are the interactive-auth stages registration requires, in order.
	RegisterStages []string
	// WellKnownBaseURL, when set, is returned in login replies.
	WellKnownBaseURL string

	tokens      map[string]string
	accountData map[string]json.RawMessage
	backups     []matrix.KeyBackupVersion
	roomKeys    map[string]map[string]map[string]json.RawMessage
	uploads     []matrix.CrossSigningUpload
	uiaSessions map[string][]string
	failures    map[string]*matrix.Error
	requests    []string
	counter     int
}

// New starts a fake homeserver that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		Passwords:      make(map[string]string),
		LoginTokens:    make(map[string]string),
		Emails:         make(map[string]string),
		RegisterStages: []string{"m.login.dummy"},
		tokens:         make(map[string]string),
		accountData:    make(map[string]json.RawMessage),
		roomKeys:       make(map[string]map[string]map[string]json.RawMessage),
		uiaSessions:    make(map[string][]string),
		failures:       make(map[string]*matrix.Error),
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// UserID returns the full user id for localpart.
func UserID(localpart string) string {
	return "@" + localpart + ":" + Domain
}

// Fail makes every request matching method and path (relative to
// /_matrix/client/v3) fail with the given status and errcode.
func (s *Server) Fail(method, path string, status int, errcode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &matrix.Error{StatusCode: status, Code: errcode, Message: "injected failure"}
}

// ClearFailures removes every injected failure.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]*matrix.Error)
}

// IssueToken creates an access token for localpart without a login.
func (s *Server) IssueToken(localpart string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokenLocked(localpart)
}

// TokenValid reports whether the access token is still live.
func (s *Server) TokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	return ok
}

// Requests returns every request seen, as "METHOD path".
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// RequestCount returns how many requests matched method and path.
func (s *Server) RequestCount(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r == method+" "+path {
			n++
		}
	}
	return n
}

// AccountData returns the raw account-data content of eventType for userID.
func (s *Server) AccountData(userID, eventType string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.accountData[userID+"/"+eventType]
	return raw, ok
}

// SetAccountData stores account data directly.
func (s *Server) SetAccountData(userID, eventType string, content any) {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountData[userID+"/"+eventType] = raw
}

// Backups returns every key-backup version created.
func (s *Server) Backups() []matrix.KeyBackupVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.backups)
}

// AddBackup installs a key-backup version as the current one.
func (s *Server) AddBackup(info matrix.KeyBackupVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups = append(s.backups, info)
}

// PutSession stores one backed-up session of version. sessionData is the
// encrypted session_data object.
func (s *Server) PutSession(version, roomID, sessionID string, sessionData any) {
	raw, err := json.Marshal(map[string]any{
		"first_message_index": 0,
		"forwarded_count":     0,
		"is_verified":         false,
		"session_data":        sessionData,
	})
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms, ok := s.roomKeys[version]
	if !ok {
		rooms = make(map[string]map[string]json.RawMessage)
		s.roomKeys[version] = rooms
	}
	if rooms[roomID] == nil {
		rooms[roomID] = make(map[string]json.RawMessage)
	}
	rooms[roomID][sessionID] = raw
}

// SigningUploads returns every accepted cross-signing key upload.
func (s *Server) SigningUploads() []matrix.CrossSigningUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.uploads)
}

func (s *Server) issueTokenLocked(localpart string) string {
	s.counter++
	token := fmt.Sprintf("syt_%s_%d", localpart, s.counter)
	s.tokens[token] = UserID(localpart)
	return token
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Route("/_matrix/client/v3", func(r chi.Router) {
		r.Post("/login", s.login)
		r.Post("/register", s.register)
		r.Post("/register/email/requestToken", s.requestEmailToken)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/logout", s.logout)
			r.Get("/account/whoami", s.whoami)
			r.Get("/user/{userID}/account_data/{type}", s.getAccountData)
			r.Put("/user/{userID}/account_data/{type}", s.putAccountData)
			r.Get("/room_keys/version", s.getBackup)
			r.Post("/room_keys/version", s.createBackup)
			r.Get("/room_keys/keys", s.getRoomKeys)
			r.Post("/keys/device_signing/upload", s.uploadSigningKeys)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errcode, msg string) {
	writeJSON(w, status, map[string]string{"errcode": errcode, "error": msg})
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3")
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+path)
		failure := s.failures[r.Method+" "+path]
		s.mu.Unlock()
		if failure != nil {
			writeError(w, failure.StatusCode, failure.Code, failure.Message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, matrix.ErrCodeUnknownToken, "unknown token")
			return
		}
		r.Header.Set("X-User-ID", userID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type       string `json:"type"`
		Identifier struct {
			Type    string `json:"type"`
			User    string `json:"user"`
			Address string `json:"address"`
		} `json:"identifier"`
		Password string `json:"password"`
		Token    string `json:"token"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var localpart string
	switch req.Type {
	case matrix.LoginTypePassword:
		switch req.Identifier.Type {
		case matrix.IdentifierTypeUser:
			localpart = req.Identifier.User
		case matrix.IdentifierTypeThirdParty:
			localpart = s.Emails[req.Identifier.Address]
		default:
			writeError(w, http.StatusBadRequest, "M_BAD_JSON", "missing identifier")
			return
		}
		if pw, ok := s.Passwords[localpart]; !ok || pw != req.Password {
			writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "Invalid username or password")
			return
		}
	case matrix.LoginTypeToken, matrix.LoginTypeJWT:
		lp, ok := s.LoginTokens[req.Token]
		if !ok {
			writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "Invalid token")
			return
		}
		localpart = lp
	default:
		writeError(w, http.StatusBadRequest, "M_UNKNOWN", "unknown login type")
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = fmt.Sprintf("DEVICE%d", s.counter+1)
	}
	resp := map[string]any{
		"access_token": s.issueTokenLocked(localpart),
		"device_id":    deviceID,
		"user_id":      UserID(localpart),
	}
	if s.WellKnownBaseURL != "" {
		resp["well_known"] = map[string]any{"m.homeserver": map[string]string{"base_url": s.WellKnownBaseURL}}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req matrix.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.Passwords[req.Username]; taken {
		writeError(w, http.StatusBadRequest, "M_USER_IN_USE", "User ID already taken")
		return
	}

	sessionID, _ := req.Auth["session"].(string)
	if sessionID == "" {
		s.counter++
		sessionID = fmt.Sprintf("reg%d", s.counter)
	}
	completed := s.uiaSessions[sessionID]
	if stage, _ := req.Auth["type"].(string); stage != "" && slices.Contains(s.RegisterStages, stage) && !slices.Contains(completed, stage) {
		completed = append(completed, stage)
	}
	s.uiaSessions[sessionID] = completed

	if len(completed) < len(s.RegisterStages) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"session":   sessionID,
			"flows":     []map[string]any{{"stages": s.RegisterStages}},
			"completed": completed,
		})
		return
	}

	s.Passwords[req.Username] = req.Password
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = fmt.Sprintf("DEVICE%d", s.counter+1)
	}
	writeJSON(w, http.StatusOK, matrix.RegisterResponse{
		AccessToken: s.issueTokenLocked(req.Username),
		DeviceID:    deviceID,
		UserID:      UserID(req.Username),
	})
}

func (s *Server) requestEmailToken(w http.ResponseWriter, r *http.Request) {
	var req matrix.EmailTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "email and client_secret are required")
		return
	}
	writeJSON(w, http.StatusOK, matrix.EmailTokenResponse{SID: "sid-" + req.ClientSecret})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) whoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"user_id": r.Header.Get("X-User-ID")})
}

func (s *Server) getAccountData(w http.ResponseWriter, r *http.Request) {
	raw, ok := s.AccountData(chi.URLParam(r, "userID"), chi.URLParam(r, "type"))
	if !ok {
		writeError(w, http.StatusNotFound, matrix.ErrCodeNotFound, "Account data not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) putAccountData(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID != r.Header.Get("X-User-ID") {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "Cannot add account data for other users")
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	s.mu.Lock()
	s.accountData[userID+"/"+chi.URLParam(r, "type")] = raw
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) getBackup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backups) == 0 {
		writeError(w, http.StatusNotFound, matrix.ErrCodeNotFound, "No current backup version")
		return
	}
	writeJSON(w, http.StatusOK, s.backups[len(s.backups)-1])
}

func (s *Server) createBackup(w http.ResponseWriter, r *http.Request) {
	var req mautrix.ReqRoomKeysVersionCreate[backup.MegolmAuthData]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version := fmt.Sprintf("%d", len(s.backups)+1)
	s.backups = append(s.backups, matrix.KeyBackupVersion{
		Algorithm: req.Algorithm,
		AuthData:  req.AuthData,
		Version:   id.KeyBackupVersion(version),
		ETag:      "0",
	})
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) getRoomKeys(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make(map[string]any)
	for roomID, sessions := range s.roomKeys[r.URL.Query().Get("version")] {
		rooms[roomID] = map[string]any{"sessions": sessions}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) uploadSigningKeys(w http.ResponseWriter, r *http.Request) {
	var req matrix.CrossSigningUpload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	userID := r.Header.Get("X-User-ID")
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge := map[string]any{
		"flows": []map[string]any{{"stages": []string{matrix.LoginTypePassword}}},
	}
	auth, _ := req.Auth.(map[string]any)
	if auth == nil {
		s.counter++
		challenge["session"] = fmt.Sprintf("uia%d", s.counter)
		writeJSON(w, http.StatusUnauthorized, challenge)
		return
	}
	challenge["session"], _ = auth["session"].(string)
	password, _ := auth["password"].(string)
	identifier, _ := auth["identifier"].(map[string]any)
	user, _ := identifier["user"].(string)
	localpart := strings.TrimSuffix(strings.TrimPrefix(user, "@"), ":"+Domain)
	if UserID(localpart) != userID || s.Passwords[localpart] != password {
		challenge["errcode"] = matrix.ErrCodeForbidden
		challenge["error"] = "Invalid password"
		writeJSON(w, http.StatusUnauthorized, challenge)
		return
	}
	s.uploads = append(s.uploads, req)
	writeJSON(w, http.StatusOK, struct{}{})
}

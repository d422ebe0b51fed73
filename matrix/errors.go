package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
)

// Error codes inspected by callers.
const (
	ErrCodeNotFound     = "M_NOT_FOUND"
	ErrCodeForbidden    = "M_FORBIDDEN"
	ErrCodeUnknownToken = "M_UNKNOWN_TOKEN"
	ErrCodeBadBackupKey = "RESTORE_BACKUP_ERROR_BAD_KEY"
)

var (
	// ErrNetwork wraps transport failures: the request never produced a
	// response from the homeserver.
	ErrNetwork = errors.New("network failure")
	// ErrIncompleteResponse is returned when a successful login or
	// registration reply lacks one of access_token, device_id or user_id.
	ErrIncompleteResponse = errors.New("incomplete response from homeserver")
	// ErrNoAuthStrategy is returned when the homeserver demands interactive
	// auth and the caller supplied no way to answer it.
	ErrNoAuthStrategy = errors.New("interactive auth required but no strategy configured")
)

// Error is a request the homeserver rejected.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	// Body is the raw response body. Interactive-auth replies carry their
	// stage envelope here.
	Body json.RawMessage `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// NewRejection builds an Error for a rejection raised on the client side,
// such as a backup key that fails to verify.
func NewRejection(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsRejected reports whether err is a homeserver rejection with the given
// errcode. An empty code matches any rejection.
func IsRejected(err error, code string) bool {
	var mErr *Error
	if !errors.As(err, &mErr) {
		return false
	}
	return code == "" || mErr.Code == code
}

// IsNotFound reports whether err is an M_NOT_FOUND rejection.
func IsNotFound(err error) bool {
	var mErr *Error
	if !errors.As(err, &mErr) {
		return false
	}
	return mErr.Code == ErrCodeNotFound || (mErr.Code == "" && mErr.StatusCode == http.StatusNotFound)
}

// UIAResponse is the user-interactive-auth envelope a homeserver returns
// with HTTP 401.
type UIAResponse struct {
	Session   string
	Flows     []UIAFlow
	Completed []string
	Params    map[string]any

	// Registration can finish inside the envelope.
	AccessToken string
	DeviceID    string
	UserID      string
}

// UIAFlow is one acceptable sequence of stages.
type UIAFlow struct {
	Stages []string `json:"stages"`
}

// registrationFields are the session fields a registration envelope may
// carry next to the interactive-auth state.
type registrationFields struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	UserID      string `json:"user_id"`
}

func uiaFromResponse(resp *mautrix.RespUserInteractive) *UIAResponse {
	uia := &UIAResponse{Session: resp.Session}
	for _, flow := range resp.Flows {
		stages := make([]string, 0, len(flow.Stages))
		for _, stage := range flow.Stages {
			stages = append(stages, string(stage))
		}
		uia.Flows = append(uia.Flows, UIAFlow{Stages: stages})
	}
	for _, stage := range resp.Completed {
		uia.Completed = append(uia.Completed, string(stage))
	}
	if len(resp.Params) > 0 {
		uia.Params = make(map[string]any, len(resp.Params))
		for k, v := range resp.Params {
			uia.Params[string(k)] = v
		}
	}
	return uia
}

// parseUIA decodes an interactive-auth envelope. ok is false when body
// carries none.
func parseUIA(body []byte) (*UIAResponse, bool) {
	var resp mautrix.RespUserInteractive
	if len(body) == 0 || json.Unmarshal(body, &resp) != nil {
		return nil, false
	}
	var reg registrationFields
	_ = json.Unmarshal(body, &reg)

	uia := uiaFromResponse(&resp)
	uia.AccessToken, uia.DeviceID, uia.UserID = reg.AccessToken, reg.DeviceID, reg.UserID
	if uia.Session == "" && len(uia.Flows) == 0 && len(uia.Completed) == 0 && uia.AccessToken == "" {
		return nil, false
	}
	return uia, true
}

// AsUIA extracts the interactive-auth envelope from an HTTP 401 rejection.
// ok is false for any other error, including rejections with a different
// status whose body happens to look like an envelope.
func AsUIA(err error) (*UIAResponse, bool) {
	var mErr *Error
	if !errors.As(err, &mErr) || mErr.StatusCode != http.StatusUnauthorized {
		return nil, false
	}
	return parseUIA(mErr.Body)
}

package matrix

import (
	"context"
	"net/http"
)

// RegisterRequest is the body of POST /register. Auth carries the
// interactive-auth stage being submitted.
type RegisterRequest struct {
	Username                 string         `json:"username,omitempty"`
	Password                 string         `json:"password,omitempty"`
	Auth                     map[string]any `json:"auth,omitempty"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

// RegisterResponse is a 2xx reply from /register. Completed is only set by
// homeservers that report stage progress in successful replies.
type RegisterResponse struct {
	AccessToken string   `json:"access_token,omitempty"`
	DeviceID    string   `json:"device_id,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	Completed   []string `json:"completed,omitempty"`
}

// Register submits one registration request. Interactive-auth progress
// arrives as an *Error with HTTP 401 whose Body holds the envelope; AsUIA
// decodes it.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, c.cli.BuildClientURL("v3", "register"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EmailTokenRequest asks the homeserver to mail a validation token.
type EmailTokenRequest struct {
	Email        string `json:"email"`
	ClientSecret string `json:"client_secret"`
	SendAttempt  int    `json:"send_attempt"`
	NextLink     string `json:"next_link,omitempty"`
}

// EmailTokenResponse identifies the validation session.
type EmailTokenResponse struct {
	SID       string `json:"sid"`
	SubmitURL string `json:"submit_url,omitempty"`
}

// RequestEmailToken starts email validation for registration.
func (c *Client) RequestEmailToken(ctx context.Context, req EmailTokenRequest) (*EmailTokenResponse, error) {
	var resp EmailTokenResponse
	u := c.cli.BuildClientURL("v3", "register", "email", "requestToken")
	if err := c.do(ctx, http.MethodPost, u, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

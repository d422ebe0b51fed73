package matrix

import (
	"context"
	"net/http"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Login grant types.
const (
	LoginTypePassword = string(mautrix.AuthTypePassword)
	LoginTypeToken    = string(mautrix.AuthTypeToken)
	LoginTypeJWT      = "org.matrix.login.jwt"
)

// Identifier types for password login.
const (
	IdentifierTypeUser       = string(mautrix.IdentifierTypeUser)
	IdentifierTypeThirdParty = string(mautrix.IdentifierTypeThirdParty)
)

// Federated login types accepted by SSOLoginURL.
const (
	SSOTypeSSO = "sso"
	SSOTypeCAS = "cas"
)

// UserIdentifier names the account a password login is for.
type UserIdentifier struct {
	Type    string
	User    string
	Medium  string
	Address string
}

// LoginRequest is one login grant.
type LoginRequest struct {
	Type                     string
	Identifier               *UserIdentifier
	Password                 string
	Token                    string
	DeviceID                 string
	InitialDeviceDisplayName string
}

func (r LoginRequest) toSDK() *mautrix.ReqLogin {
	req := &mautrix.ReqLogin{
		Type:                     mautrix.AuthType(r.Type),
		Password:                 r.Password,
		Token:                    r.Token,
		DeviceID:                 id.DeviceID(r.DeviceID),
		InitialDeviceDisplayName: r.InitialDeviceDisplayName,
	}
	if r.Identifier != nil {
		req.Identifier = mautrix.UserIdentifier{
			Type:    mautrix.IdentifierType(r.Identifier.Type),
			User:    r.Identifier.User,
			Medium:  r.Identifier.Medium,
			Address: r.Identifier.Address,
		}
	}
	return req
}

// LoginResponse is a successful login.
type LoginResponse struct {
	AccessToken string
	DeviceID    string
	UserID      string
	// DelegatedBaseURL is the homeserver the server's well-known points to.
	DelegatedBaseURL string
}

// EffectiveBaseURL returns the homeserver base URL the server delegated to,
// falling back to requested.
func (r *LoginResponse) EffectiveBaseURL(requested string) string {
	if r.DelegatedBaseURL != "" {
		return strings.TrimRight(r.DelegatedBaseURL, "/")
	}
	return requested
}

// Login exchanges a grant for an access token. A reply missing any of the
// session fields is reported as ErrIncompleteResponse.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	resp, err := c.cli.Login(ctx, req.toSDK())
	if err != nil {
		return nil, c.wrap(http.MethodPost, c.cli.BuildClientURL("v3", "login"), err, nil)
	}
	if resp.AccessToken == "" || resp.DeviceID == "" || resp.UserID == "" {
		return nil, ErrIncompleteResponse
	}
	out := &LoginResponse{
		AccessToken: resp.AccessToken,
		DeviceID:    string(resp.DeviceID),
		UserID:      string(resp.UserID),
	}
	if resp.WellKnown != nil {
		out.DelegatedBaseURL = resp.WellKnown.Homeserver.BaseURL
	}
	return out, nil
}

// Logout invalidates the client's access token.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.cli.Logout(ctx)
	return c.wrap(http.MethodPost, c.cli.BuildClientURL("v3", "logout"), err, nil)
}

// WhoAmIResponse identifies the owner of an access token.
type WhoAmIResponse struct {
	UserID   string
	DeviceID string
}

// WhoAmI returns the user the client's access token belongs to.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	resp, err := c.cli.Whoami(ctx)
	if err != nil {
		return nil, c.wrap(http.MethodGet, c.cli.BuildClientURL("v3", "account", "whoami"), err, nil)
	}
	return &WhoAmIResponse{UserID: string(resp.UserID), DeviceID: string(resp.DeviceID)}, nil
}

// SSOLoginURL returns the address that starts a federated login and sends
// the user agent back to redirectURL with a login token. loginType is
// SSOTypeSSO (default) or SSOTypeCAS; idpID selects one identity provider.
func (c *Client) SSOLoginURL(redirectURL, loginType, idpID string) string {
	if loginType == "" {
		loginType = SSOTypeSSO
	}
	path := mautrix.ClientURLPath{"v3", "login", loginType, "redirect"}
	if idpID != "" && loginType == SSOTypeSSO {
		path = append(path, idpID)
	}
	return c.cli.BuildURLWithQuery(path, map[string]string{"redirectUrl": redirectURL})
}

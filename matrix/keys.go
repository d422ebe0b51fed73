package matrix

import (
	"context"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/id"
)

// BackupAlgorithmCurve25519 is the megolm key-backup algorithm.
const BackupAlgorithmCurve25519 = string(id.KeyBackupAlgorithmMegolmBackupV1)

// KeyBackupVersion describes one megolm key-backup version.
type KeyBackupVersion = mautrix.RespRoomKeysVersion[backup.MegolmAuthData]

// RoomKeys is every backed-up session of one backup version.
type RoomKeys = mautrix.RespRoomKeys[backup.EncryptedSessionData[backup.MegolmSessionData]]

// CrossSigningKeys is a public cross-signing key as uploaded to the server.
type CrossSigningKeys = mautrix.CrossSigningKeys

// CrossSigningUpload is the body of POST /keys/device_signing/upload.
type CrossSigningUpload = mautrix.UploadCrossSigningKeysReq

func (c *Client) accountDataURL(eventType string) string {
	return c.cli.BuildClientURL("v3", "user", c.cli.UserID, "account_data", eventType)
}

// AccountData reads the client user's global account-data event of
// eventType into out.
func (c *Client) AccountData(ctx context.Context, eventType string, out any) error {
	err := c.cli.GetAccountData(ctx, eventType, out)
	return c.wrap(http.MethodGet, c.accountDataURL(eventType), err, nil)
}

// SetAccountData writes a global account-data event for the client user.
func (c *Client) SetAccountData(ctx context.Context, eventType string, content any) error {
	err := c.cli.SetAccountData(ctx, eventType, content)
	return c.wrap(http.MethodPut, c.accountDataURL(eventType), err, nil)
}

// KeyBackupVersion returns the current key-backup version. It returns an
// M_NOT_FOUND rejection when no backup exists.
func (c *Client) KeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error) {
	resp, err := c.cli.GetKeyBackupLatestVersion(ctx)
	if err != nil {
		return nil, c.wrap(http.MethodGet, c.cli.BuildClientURL("v3", "room_keys", "version"), err, nil)
	}
	return resp, nil
}

// CreateKeyBackupVersion creates a megolm key backup for publicKey and
// returns its version.
func (c *Client) CreateKeyBackupVersion(ctx context.Context, auth backup.MegolmAuthData) (string, error) {
	resp, err := c.cli.CreateKeyBackupVersion(ctx, &mautrix.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  auth,
	})
	if err != nil {
		return "", c.wrap(http.MethodPost, c.cli.BuildClientURL("v3", "room_keys", "version"), err, nil)
	}
	return string(resp.Version), nil
}

// RoomKeys downloads every session stored in backup version.
func (c *Client) RoomKeys(ctx context.Context, version string) (*RoomKeys, error) {
	resp, err := c.cli.GetKeyBackup(ctx, id.KeyBackupVersion(version))
	if err != nil {
		return nil, c.wrap(http.MethodGet, c.cli.BuildClientURL("v3", "room_keys", "keys"), err, nil)
	}
	return resp, nil
}

// AuthStrategy produces one more interactive-auth attempt when an endpoint
// requires re-authentication. The returned auth dict is sent as-is with the
// UIA session id added.
type AuthStrategy interface {
	Authenticate(ctx context.Context, uia *UIAResponse) (map[string]any, error)
}

// UploadCrossSigningKeys publishes cross-signing keys. The homeserver
// normally answers the first attempt with a 401 interactive-auth challenge;
// strategy is then asked for credentials and the upload retried once.
func (c *Client) UploadCrossSigningKeys(ctx context.Context, req *CrossSigningUpload, strategy AuthStrategy) error {
	var (
		challenged  bool
		strategyErr error
	)
	err := c.cli.UploadCrossSigningKeys(ctx, req, func(resp *mautrix.RespUserInteractive) any {
		challenged = true
		if strategy == nil {
			strategyErr = ErrNoAuthStrategy
			return nil
		}
		uia := uiaFromResponse(resp)
		auth, err := strategy.Authenticate(ctx, uia)
		if err != nil {
			strategyErr = fmt.Errorf("producing auth for signing key upload: %w", err)
			return nil
		}
		if auth == nil {
			auth = make(map[string]any)
		}
		if uia.Session != "" {
			auth["session"] = uia.Session
		}
		return auth
	})
	if challenged && strategyErr != nil {
		return strategyErr
	}
	return c.wrap(http.MethodPost, c.cli.BuildClientURL("v3", "keys", "device_signing", "upload"), err, nil)
}

package e2ee

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/id"

	"github.com/jmcleod/crossguard/internal/util"
	"github.com/jmcleod/crossguard/matrix"
)

// CrossSigningOptions controls BootstrapCrossSigning.
type CrossSigningOptions struct {
	// AuthStrategy answers the interactive-auth challenge on key upload.
	AuthStrategy         matrix.AuthStrategy
	SetupNewCrossSigning bool
}

type signingKey struct {
	usage  id.CrossSigningUsage
	secret string
	priv   ed25519.PrivateKey
}

func (k signingKey) publicKey() string {
	return util.UnpaddedBase64(k.priv.Public().(ed25519.PublicKey))
}

func (k signingKey) keyID() id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, k.publicKey())
}

func (k signingKey) keys(userID string) matrix.CrossSigningKeys {
	return matrix.CrossSigningKeys{
		UserID: id.UserID(userID),
		Usage:  []id.CrossSigningUsage{k.usage},
		Keys:   map[id.KeyID]id.Ed25519{k.keyID(): id.Ed25519(k.publicKey())},
	}
}

// BootstrapCrossSigning creates master, self-signing and user-signing keys,
// uploads them and stores their private halves in secret storage. Without
// SetupNewCrossSigning an account that already has a master key secret is
// left alone.
func (e *Engine) BootstrapCrossSigning(ctx context.Context, opts CrossSigningOptions) error {
	key, err := e.storageKey(ctx)
	if err != nil {
		return err
	}
	defer util.WipeBytes(key.Key)

	if !opts.SetupNewCrossSigning {
		existing, err := e.loadSecret(ctx, key, SecretCrossSigningMaster)
		switch {
		case err == nil:
			util.WipeBytes(existing)
			e.logger.Debug("cross-signing already set up")
			return nil
		case !matrix.IsNotFound(err) && !errors.Is(err, ErrNotEncryptedForKey):
			return err
		}
	}

	keys := make([]signingKey, 0, 3)
	defer func() {
		for _, k := range keys {
			util.WipeBytes(k.priv)
		}
	}()
	for _, def := range []struct {
		usage  id.CrossSigningUsage
		secret string
	}{
		{id.XSUsageMaster, SecretCrossSigningMaster},
		{id.XSUsageSelfSigning, SecretCrossSigningSelfSigning},
		{id.XSUsageUserSigning, SecretCrossSigningUserSigning},
	} {
		seed, err := util.RandomBytes(ed25519.SeedSize)
		if err != nil {
			return err
		}
		keys = append(keys, signingKey{usage: def.usage, secret: def.secret, priv: ed25519.NewKeyFromSeed(seed)})
		util.WipeBytes(seed)
	}
	master, selfSigning, userSigning := keys[0], keys[1], keys[2]

	upload := &matrix.CrossSigningUpload{
		Master:      master.keys(e.userID),
		SelfSigning: selfSigning.keys(e.userID),
		UserSigning: userSigning.keys(e.userID),
	}
	for _, pk := range []*matrix.CrossSigningKeys{&upload.SelfSigning, &upload.UserSigning} {
		sig, err := signJSON(pk, master.priv)
		if err != nil {
			return fmt.Errorf("signing %s key: %w", pk.Usage[0], err)
		}
		pk.Signatures = signatures.Signatures{
			id.UserID(e.userID): {master.keyID(): sig},
		}
	}

	if err := e.client.UploadCrossSigningKeys(ctx, upload, opts.AuthStrategy); err != nil {
		return fmt.Errorf("uploading cross-signing keys: %w", err)
	}

	for _, k := range keys {
		if err := e.storeSecret(ctx, key, k.secret, k.priv.Seed()); err != nil {
			return err
		}
	}
	e.logger.Info("cross-signing keys published", "master_key", master.keyID())
	return nil
}

// loadSigningKey returns the private cross-signing key stored as secret.
func (e *Engine) loadSigningKey(ctx context.Context, key *ssss.Key, secret string) (ed25519.PrivateKey, error) {
	seed, err := e.loadSecret(ctx, key, secret)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s: seed has %d bytes", secret, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

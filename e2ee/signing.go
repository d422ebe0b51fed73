package e2ee

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"

	"github.com/jmcleod/crossguard/internal/util"
)

// canonicalForm returns the canonical JSON encoding of v with its
// signatures and unsigned members removed. v must encode to an object.
func canonicalForm(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("signed value is not an object: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return canonicaljson.CanonicalJSON(stripped)
}

func signJSON(v any, priv ed25519.PrivateKey) (string, error) {
	msg, err := canonicalForm(v)
	if err != nil {
		return "", err
	}
	return util.UnpaddedBase64(ed25519.Sign(priv, msg)), nil
}

// VerifyJSON checks an unpadded-base64 ed25519 signature over the canonical
// form of v.
func VerifyJSON(v any, pub ed25519.PublicKey, signature string) (bool, error) {
	sig, err := util.DecodeBase64(signature)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}
	msg, err := canonicalForm(v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, msg, sig), nil
}

package storage

import (
	"fmt"

	"github.com/jmcleod/crossguard/internal/util"
)

const (
	envelopeVersion = 1
	schemeAESGCM    = "aes256gcm"
	schemeRaw       = "raw"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope bound to aad.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	// sealed is nonce || ciphertext.
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     schemeAESGCM,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope sealed by SealRecord with the same key and aad.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != schemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	sealed := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	sealed = append(sealed, envelope.Nonce...)
	sealed = append(sealed, envelope.Ciphertext...)
	return util.DecryptAESWithAAD(sealed, recordKey, aad)
}

// RawRecord wraps non-secret data, such as a KDF salt, in an unsealed Envelope.
func RawRecord(data []byte) *Envelope {
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     schemeRaw,
		Ciphertext: cloneBytes(data),
	}
}

// OpenRaw returns the data of an Envelope built by RawRecord.
func OpenRaw(envelope *Envelope) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Scheme != schemeRaw {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	return cloneBytes(envelope.Ciphertext), nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      cloneBytes(e.Nonce),
		Ciphertext: cloneBytes(e.Ciphertext),
	}
}

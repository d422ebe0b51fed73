// Package icrypto builds the associated data that binds each sealed record
// to its place in the store, so a ciphertext copied to another slot fails to
// open.
package icrypto

import (
	"encoding/binary"
)

const (
	aadCredential = "CREDENTIAL"
	aadSecretKey  = "SSSS_KEY"
	aadRoomKey    = "ROOM_KEY"
	aadStoreKey   = "STORE_KEY"

	aadVersion = 1
)

// AADCredential binds one Credential Store field.
func AADCredential(namespace, field string) []byte {
	return buildAAD(aadCredential, namespace, field, aadVersion)
}

// AADSecretKey binds a cached secret-storage private key.
func AADSecretKey(namespace, keyID string) []byte {
	return buildAAD(aadSecretKey, namespace, keyID, aadVersion)
}

// AADRoomKey binds an imported room key.
func AADRoomKey(namespace, roomID, sessionID string) []byte {
	return buildAAD(aadRoomKey, namespace, roomID, sessionID, aadVersion)
}

// AADStoreKey binds the record key wrapped under the operator's wrapping key.
func AADStoreKey(namespace string) []byte {
	return buildAAD(aadStoreKey, namespace, aadVersion)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	return append(b, data...)
}

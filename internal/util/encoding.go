package util

import (
	"encoding/base64"
	"strings"

	"golang.org/x/text/cases"
)

var emailFolder = cases.Fold()

// FoldEmail case-folds an email address so that identifiers compare equal
// regardless of how the user typed them.
func FoldEmail(s string) string {
	return emailFolder.String(strings.TrimSpace(s))
}

// UnpaddedBase64 encodes b with the standard alphabet and no padding, the
// form used for keys on the wire.
func UnpaddedBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts standard base64 with or without padding.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

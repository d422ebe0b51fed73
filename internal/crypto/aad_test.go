package icrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAADIsSlotSpecific(t *testing.T) {
	assert.NotEqual(t, AADCredential("session", "user_id"), AADCredential("session", "device_id"))
	assert.NotEqual(t, AADCredential("session", "user_id"), AADCredential("other", "user_id"))
	assert.NotEqual(t, AADSecretKey("session", "k"), AADCredential("session", "k"))
	assert.Equal(t, AADRoomKey("s", "!room", "sess"), AADRoomKey("s", "!room", "sess"))
}

func TestAADLengthPrefixAvoidsAmbiguity(t *testing.T) {
	// Concatenation alone would make these collide.
	assert.NotEqual(t, AADRoomKey("s", "ab", "c"), AADRoomKey("s", "a", "bc"))
}

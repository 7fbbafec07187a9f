package signature

import (
	"crypto/rand"
	"encoding/hex"
)

// SecretPrefix marks Beacon signing secrets.
const SecretPrefix = "bsk_"

// GenerateSecret creates a random signing secret: SecretPrefix followed by
// 32 random bytes in hex.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("signature: failed to generate random secret: " + err.Error())
	}
	return SecretPrefix + hex.EncodeToString(b)
}

package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken returns n random bytes hex encoded.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)

	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// GeneratePairingCode returns an 8 character uppercase alphanumeric code
// that binds a print agent to its room.
func GeneratePairingCode() (string, error) {
	b := make([]byte, 8)

	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}

	for i := range b {
		b[i] = codeCharset[int(b[i])%len(codeCharset)]
	}

	return string(b), nil
}

// GenerateAgentToken builds a full pairing token for the given code,
// agent_<code>_<32 hex chars>.
func GenerateAgentToken(code string) (string, error) {
	secret, err := GenerateToken(16)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("agent_%s_%s", code, secret), nil
}

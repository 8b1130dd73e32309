package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const SecretSize = 32

// GenerateSecret returns a cryptographically random 32-byte gateway secret.
func GenerateSecret() ([]byte, error) {
	key := make([]byte, SecretSize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateToken returns a random opaque token, hex encoded.
func GenerateToken() (string, error) {
	key, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// DeriveToken computes hex(HMAC-SHA256(secret, clientID)). A gateway that
// only stores its secret can hand out per-client tokens this way.
func DeriveToken(secret []byte, clientID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(clientID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether got equals want, in constant time.
func VerifyToken(want, got string) bool {
	return hmac.Equal([]byte(want), []byte(got))
}

// VerifyClientToken checks that token was derived from secret for clientID.
func VerifyClientToken(secret []byte, clientID, token string) bool {
	return VerifyToken(DeriveToken(secret, clientID), token)
}

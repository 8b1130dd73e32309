package auth

import (
	"bytes"
	"testing"
)

func TestGenerateSecret(t *testing.T) {
	key1, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != SecretSize {
		t.Fatalf("expected %d bytes, got %d", SecretSize, len(key1))
	}

	key2, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key1, key2) {
		t.Fatal("two generated secrets should not be equal")
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 2*SecretSize {
		t.Fatalf("expected %d hex chars, got %d", 2*SecretSize, len(tok))
	}
}

func TestDeriveAndVerify(t *testing.T) {
	secret := []byte("test-secret-32-bytes-long-xxxxxx")

	token := DeriveToken(secret, "gwlink")
	if !VerifyClientToken(secret, "gwlink", token) {
		t.Fatal("valid token should verify")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	secret := []byte("correct-secret-32-bytes-xxxxxxxx")
	wrong := []byte("wrong-secret-32-bytes-xxxxxxxxxx")

	token := DeriveToken(secret, "gwlink")
	if VerifyClientToken(wrong, "gwlink", token) {
		t.Fatal("wrong secret should not verify")
	}
}

func TestVerifyWrongClient(t *testing.T) {
	secret := []byte("test-secret-32-bytes-long-xxxxxx")

	token := DeriveToken(secret, "client-a")
	if VerifyClientToken(secret, "client-b", token) {
		t.Fatal("token for another client should not verify")
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	secret := []byte("test-secret-32-bytes-long-xxxxxx")

	token := []byte(DeriveToken(secret, "gwlink"))
	token[0] ^= 0x01
	if VerifyClientToken(secret, "gwlink", string(token)) {
		t.Fatal("tampered token should not verify")
	}
}

func TestVerifyToken(t *testing.T) {
	if !VerifyToken("s3cret", "s3cret") {
		t.Fatal("equal tokens should verify")
	}
	if VerifyToken("s3cret", "s3cre") {
		t.Fatal("prefix should not verify")
	}
	if VerifyToken("s3cret", "") {
		t.Fatal("empty token should not verify")
	}
}

func TestTokenDeterministic(t *testing.T) {
	secret := []byte("test-secret-32-bytes-long-xxxxxx")
	if DeriveToken(secret, "x") != DeriveToken(secret, "x") {
		t.Fatal("same inputs should produce same token")
	}
}

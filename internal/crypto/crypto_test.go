package crypto_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/castworks/cw-studio/internal/crypto"
)

func TestAESGCM_RoundTrip(t *testing.T) {
	key, _ := crypto.GenerateDEK()
	plaintext := []byte("secret payload")
	aad := []byte("context")

	nonce, ciphertext, tag, err := crypto.EncryptGCM(key, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := crypto.DecryptGCM(key, nonce, ciphertext, tag, aad)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Error("Decrypted text mismatch")
	}
}

func TestAESGCM_AADMismatch(t *testing.T) {
	key, _ := crypto.GenerateDEK()
	nonce, ciphertext, tag, _ := crypto.EncryptGCM(key, []byte("secret"), []byte("valid-aad"))

	_, err := crypto.DecryptGCM(key, nonce, ciphertext, tag, []byte("invalid-aad"))
	if err == nil {
		t.Error("Expected error with wrong AAD")
	}
}

func TestAESGCM_Tamper(t *testing.T) {
	key, _ := crypto.GenerateDEK()
	nonce, ciphertext, tag, _ := crypto.EncryptGCM(key, []byte("secret"), nil)

	ciphertext[0] ^= 0xFF
	if _, err := crypto.DecryptGCM(key, nonce, ciphertext, tag, nil); err == nil {
		t.Error("Expected error on ciphertext tamper")
	}
}

func loadTestKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	k1 := make([]byte, 32)
	k2, _ := crypto.GenerateDEK()
	keys := []map[string]string{
		{"kid": "key-1", "material": base64.StdEncoding.EncodeToString(k1)},
		{"kid": "key-2", "material": base64.StdEncoding.EncodeToString(k2)},
	}
	keysJSON, _ := json.Marshal(keys)
	t.Setenv("MASTER_KEYS", string(keysJSON))
	t.Setenv("ACTIVE_MASTER_KID", "key-2")

	kr := crypto.NewKeyring()
	if err := kr.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	return kr
}

func TestKeyring_LoadAndWrap(t *testing.T) {
	kr := loadTestKeyring(t)

	dek, _ := crypto.GenerateDEK()
	dekAAD := []byte("dek-aad")

	kid, dNonce, dCipher, dTag, err := kr.WrapDEK(dek, dekAAD)
	if err != nil {
		t.Fatalf("WrapDEK failed: %v", err)
	}
	if kid != "key-2" {
		t.Errorf("Expected active key-2, got %s", kid)
	}

	unwrapped, err := kr.UnwrapDEK(kid, dNonce, dCipher, dTag, dekAAD)
	if err != nil {
		t.Fatalf("UnwrapDEK failed: %v", err)
	}
	if !bytes.Equal(dek, unwrapped) {
		t.Error("Unwrapped DEK mismatch")
	}
}

func TestKeyring_Failures(t *testing.T) {
	t.Setenv("MASTER_KEYS", "")
	kr := crypto.NewKeyring()
	if err := kr.LoadFromEnv(); err == nil {
		t.Error("Expected error on empty keys")
	}

	badKey := base64.StdEncoding.EncodeToString([]byte("short"))
	t.Setenv("MASTER_KEYS", `[{"kid":"bad","material":"`+badKey+`"}]`)
	t.Setenv("ACTIVE_MASTER_KID", "bad")
	if err := kr.LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "invalid key length") {
		t.Error("Expected invalid length error")
	}
}

func TestSeal_RoundTrip(t *testing.T) {
	kr := loadTestKeyring(t)
	aad := []byte("camera:4:password")

	sealed, err := kr.Seal([]byte("rtsp-pass"), aad)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if sealed.MasterKID != "key-2" {
		t.Errorf("Expected key-2, got %s", sealed.MasterKID)
	}

	opened, err := kr.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(opened) != "rtsp-pass" {
		t.Error("Opened secret mismatch")
	}

	// Same ciphertext bound to a different row must not open.
	if _, err := kr.Open(sealed, []byte("camera:5:password")); err == nil {
		t.Error("Expected error opening with wrong AAD")
	}
}

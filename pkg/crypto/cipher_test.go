package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("test-key")

	payload, err := c.Encrypt("webhook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(payload, []byte("webhook-secret")) {
		t.Fatalf("ciphertext leaks the plaintext")
	}

	plain, err := c.Decrypt(payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "webhook-secret" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestEncryptProducesFreshNonces(t *testing.T) {
	c := New("test-key")

	first, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatalf("repeated encryption must not reuse a nonce")
	}
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	c := New("test-key")

	payload, err := c.Encrypt("webhook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	payload[len(payload)-1] ^= 0x01
	if _, err := c.Decrypt(payload); err == nil {
		t.Fatalf("expected tampered payload to be rejected")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	payload, err := New("test-key").Encrypt("webhook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := New("other-key").Decrypt(payload); err == nil {
		t.Fatalf("expected decryption with the wrong key to fail")
	}
}

func TestDecryptRejectsShortPayload(t *testing.T) {
	if _, err := New("test-key").Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected short payload to be rejected")
	}
}

package util

import (
	"bytes"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})

	t.Run("RejectShortCipherText", func(t *testing.T) {
		_, err := DecryptAESWithAAD([]byte{1, 2, 3}, key, aad)
		if err == nil {
			t.Error("expected error with truncated ciphertext, got nil")
		}
	})
}

func TestHKDF(t *testing.T) {
	seed := []byte("seed")
	a, err := HKDF(seed, nil, []byte("info"), 16)
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(a) != 16 {
		t.Errorf("expected 16 bytes, got %d", len(a))
	}
	b, _ := HKDF(seed, nil, []byte("info"), 16)
	if !bytes.Equal(a, b) {
		t.Error("HKDF is not deterministic")
	}
	c, _ := HKDF(seed, nil, []byte("other"), 16)
	if bytes.Equal(a, c) {
		t.Error("different info produced the same key")
	}
	if _, err := HKDF(seed, nil, nil, 0); err == nil {
		t.Error("expected error for zero length")
	}
}

func TestBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	dst := CopyBytes(src)
	src[0] = 9
	if dst[0] != 1 {
		t.Error("CopyBytes shares backing array")
	}
	if CopyBytes(nil) != nil {
		t.Error("CopyBytes(nil) should be nil")
	}
	WipeBytes(dst)
	if !bytes.Equal(dst, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left %v", dst)
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b, _ := RandomBytes(16)
	if len(a) != 16 || bytes.Equal(a, b) {
		t.Error("RandomBytes returned duplicate or short output")
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	if cert.Leaf == nil || len(cert.Certificate) != 1 {
		t.Fatalf("expected one parsed certificate")
	}
	if err := cert.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
}

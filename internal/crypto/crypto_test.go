package icrypto

import (
	"bytes"
	"testing"
)

func TestAAD(t *testing.T) {
	aad1 := AADSnapshotRecord("tokens", 0, 1)
	aad2 := AADSnapshotRecord("tokens", 0, 1)

	if !bytes.Equal(aad1, aad2) {
		t.Error("AADSnapshotRecord should be deterministic")
	}

	aad3 := AADSnapshotRecord("tokens", 1, 1)
	if bytes.Equal(aad1, aad3) {
		t.Error("AADSnapshotRecord should differ between positions")
	}

	aad4 := AADSnapshotRecord("other", 0, 1)
	if bytes.Equal(aad1, aad4) {
		t.Error("AADSnapshotRecord should differ between buckets")
	}
}

func TestSnapshotKeys(t *testing.T) {
	secret := []byte("secret-0123456789-0123456789-012")

	key1, err := DeriveSnapshotKey(secret, "tokens")
	if err != nil {
		t.Fatalf("DeriveSnapshotKey failed: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("expected 32 byte key, got %d", len(key1))
	}

	key2, _ := DeriveSnapshotKey(secret, "tokens")
	if !bytes.Equal(key1, key2) {
		t.Error("DeriveSnapshotKey should be deterministic")
	}

	key3, _ := DeriveSnapshotKey(secret, "other")
	if bytes.Equal(key1, key3) {
		t.Error("DeriveSnapshotKey should differ between buckets")
	}
}

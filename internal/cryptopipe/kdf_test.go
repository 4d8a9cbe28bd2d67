package cryptopipe

import (
	"bytes"
	"testing"
)

func TestDeriveFromPassphrase_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef")

	key1 := deriveFromPassphrase("test-passphrase-123", salt)
	key2 := deriveFromPassphrase("test-passphrase-123", salt)

	if len(key1) != argonKeyLen {
		t.Fatalf("expected key length %d, got %d", argonKeyLen, len(key1))
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("same passphrase and salt should produce the same key")
	}
}

func TestDeriveFromPassphrase_DifferentPassphrasesDifferentKeys(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef")

	key1 := deriveFromPassphrase("passphrase-one", salt)
	key2 := deriveFromPassphrase("passphrase-two", salt)

	if bytes.Equal(key1, key2) {
		t.Fatal("different passphrases should produce different keys")
	}
}

func TestGenerateSalt_Unique(t *testing.T) {
	salt1, err := generateSalt()
	if err != nil {
		t.Fatalf("generateSalt failed: %v", err)
	}
	salt2, err := generateSalt()
	if err != nil {
		t.Fatalf("generateSalt failed: %v", err)
	}

	if len(salt1) != saltLen {
		t.Fatalf("expected salt length %d, got %d", saltLen, len(salt1))
	}
	if bytes.Equal(salt1, salt2) {
		t.Fatal("two generated salts should not be equal")
	}
}

func TestDeriveChunkKey_DeterministicPerIndex(t *testing.T) {
	dek := bytes.Repeat([]byte{0x11}, dekSize)

	k1, err := deriveChunkKey(dek, "file-a", 0)
	if err != nil {
		t.Fatalf("deriveChunkKey failed: %v", err)
	}
	k2, err := deriveChunkKey(dek, "file-a", 0)
	if err != nil {
		t.Fatalf("deriveChunkKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("same dek/file/index should derive the same chunk key")
	}

	k3, err := deriveChunkKey(dek, "file-a", 1)
	if err != nil {
		t.Fatalf("deriveChunkKey failed: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("different chunk indices should derive different keys")
	}

	k4, err := deriveChunkKey(dek, "file-b", 0)
	if err != nil {
		t.Fatalf("deriveChunkKey failed: %v", err)
	}
	if bytes.Equal(k1, k4) {
		t.Fatal("different file ids should derive different keys")
	}
}

func TestDeriveChunkIV_CorrectLength(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, chunkKeyLen)
	iv := deriveChunkIV(key, "file-a", 3)
	if len(iv) != chunkIVLen {
		t.Fatalf("expected iv length %d, got %d", chunkIVLen, len(iv))
	}
}

func TestDeriveChunkIV_VariesByKeyFileAndIndex(t *testing.T) {
	keyA := bytes.Repeat([]byte{0x22}, chunkKeyLen)
	keyB := bytes.Repeat([]byte{0x23}, chunkKeyLen)

	ivs := [][]byte{
		deriveChunkIV(keyA, "file-a", 0),
		deriveChunkIV(keyA, "file-a", 1),
		deriveChunkIV(keyA, "file-b", 0),
		deriveChunkIV(keyB, "file-a", 0),
	}
	for i := range ivs {
		for j := range ivs {
			if i == j {
				continue
			}
			if bytes.Equal(ivs[i], ivs[j]) {
				t.Fatalf("ivs %d and %d should differ", i, j)
			}
		}
	}
}

package cryptopipe

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // 256 bits
	saltLen      = 32

	chunkKeyLen = 32 // AES-256
	chunkIVLen  = 12 // GCM standard nonce size
)

// deriveFromPassphrase runs Argon2id over a passphrase and salt, producing a
// key suitable for wrapping a KEK escrow blob.
func deriveFromPassphrase(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// deriveChunkKey derives a per-chunk AES-256 key from the file's DEK using
// HKDF-SHA256, salted by the file id and keyed to the chunk index so that no
// two chunks of any file ever share a key.
func deriveChunkKey(dek []byte, fileID string, chunkIndex int) ([]byte, error) {
	info := []byte(fmt.Sprintf("chunk-%d", chunkIndex))
	reader := hkdf.New(sha256.New, dek, []byte(fileID), info)
	key := make([]byte, chunkKeyLen)
	if _, err := reader.Read(key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// deriveChunkIV derives a deterministic 12-byte GCM nonce from the chunk key
// K and chunk index via HMAC-SHA256, truncated to the GCM nonce size. The
// nonce is deterministic per (K, fileID, chunkIndex) rather than random
// because K itself is unique per chunk, so the (key, nonce) pair is never
// reused.
func deriveChunkIV(key []byte, fileID string, chunkIndex int) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(fileID))
	mac.Write([]byte{byte(chunkIndex >> 24), byte(chunkIndex >> 16), byte(chunkIndex >> 8), byte(chunkIndex)})
	sum := mac.Sum(nil)
	return sum[:chunkIVLen]
}

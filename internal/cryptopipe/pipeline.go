package cryptopipe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ssd-technologies/duskvault/internal/errs"
)

// CipherVersion identifies which cipher produced a chunk's ciphertext. It
// travels inside the chunk's associated authenticated data so a version
// mismatch is caught by AEAD verification rather than silently decrypted
// with the wrong algorithm.
type CipherVersion byte

// CipherAESGCM is the only chunk cipher; every chunk's AAD carries this
// constant so a future cipher change is caught by AEAD verification
// rather than silently decrypted under the wrong algorithm.
const CipherAESGCM CipherVersion = 1

const (
	dekSize  = 32 // AES-256
	dekIDLen = 16
	ivLen    = 12 // GCM standard nonce size
	tagLen   = 16 // GCM standard tag size
)

// ChunkAAD is the associated data bound into every chunk's AEAD tag. It
// ties a ciphertext to the exact file, position, and cipher version it was
// produced for, so a chunk cannot be replayed into another file's slot or
// decrypted under a stale cipher version.
type ChunkAAD struct {
	FileID     string
	ChunkIndex int
	Version    CipherVersion
}

// Encode renders the AAD into its canonical byte form.
func (a ChunkAAD) Encode() []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", a.FileID, a.ChunkIndex, a.Version))
}

// EncryptedChunk is the AEAD material produced by EncryptChunk and consumed
// by DecryptChunk, the wire shape chunk rows persist as iv/auth_tag/aad/
// ciphertext_hash.
type EncryptedChunk struct {
	CT      []byte
	IV      []byte
	Tag     []byte
	AAD     []byte
	CTHash  []byte
	Version CipherVersion
}

// Pipeline holds the coordinator's key-encrypting key and derives, wraps,
// and applies the per-file and per-chunk keys beneath it.
//
// Key hierarchy: one process-wide KEK wraps a DEK per file; the DEK is the
// HKDF seed for every chunk key of that file, so compromising one chunk's
// key never exposes another chunk's key or the file's DEK. Key material
// lives in memory only for the duration of a single Encrypt/DecryptChunk
// call and is zeroed before return.
type Pipeline struct {
	kek []byte
}

// NewPipeline implements Initialize(KEK_hex): it accepts a 32-byte KEK in
// hex and must be called before any other operation.
func NewPipeline(kekHex string) (*Pipeline, error) {
	kek, err := hex.DecodeString(kekHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decode kek: %v", errs.ErrConfig, err)
	}
	if len(kek) != dekSize {
		return nil, fmt.Errorf("%w: kek must be %d bytes, got %d", errs.ErrConfig, dekSize, len(kek))
	}
	return &Pipeline{kek: kek}, nil
}

// IssueWrappedDEK generates a fresh random 32-byte DEK, wraps it under the
// KEK as nonce‖tag‖ct, and returns the wrapped form alongside a fresh
// 16-byte DEK identifier. The plaintext DEK is zeroed before return.
func (p *Pipeline) IssueWrappedDEK() (wrappedDEKHex, dekID string, err error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return "", "", fmt.Errorf("%w: generate dek: %v", errs.ErrCrypto, err)
	}
	defer zero(dek)

	wrapped, err := p.wrapDEK(dek)
	if err != nil {
		return "", "", err
	}

	idBytes := make([]byte, dekIDLen)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", fmt.Errorf("%w: generate dek id: %v", errs.ErrCrypto, err)
	}

	return hex.EncodeToString(wrapped), hex.EncodeToString(idBytes), nil
}

// UnwrapDEK parses nonce‖tag‖ct and AEAD-decrypts the DEK under the KEK.
func (p *Pipeline) UnwrapDEK(wrappedDEKHex string) (dek []byte, err error) {
	wrapped, err := hex.DecodeString(wrappedDEKHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decode wrapped dek: %v", errs.ErrCrypto, err)
	}
	if len(wrapped) < ivLen+tagLen {
		return nil, fmt.Errorf("%w: wrapped dek too short", errs.ErrCrypto)
	}

	gcm, err := p.kekGCM()
	if err != nil {
		return nil, err
	}

	nonce := wrapped[:ivLen]
	tag := wrapped[ivLen : ivLen+tagLen]
	ct := wrapped[ivLen+tagLen:]

	sealed := append(append([]byte{}, ct...), tag...)
	dek, err = gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap dek: %v", errs.ErrCrypto, err)
	}
	return dek, nil
}

func (p *Pipeline) wrapDEK(dek []byte) ([]byte, error) {
	gcm, err := p.kekGCM()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, ivLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", errs.ErrCrypto, err)
	}

	sealed := gcm.Seal(nil, nonce, dek, nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	wrapped := make([]byte, 0, ivLen+tagLen+len(ct))
	wrapped = append(wrapped, nonce...)
	wrapped = append(wrapped, tag...)
	wrapped = append(wrapped, ct...)
	return wrapped, nil
}

func (p *Pipeline) kekGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.kek)
	if err != nil {
		return nil, fmt.Errorf("%w: kek cipher: %v", errs.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: kek gcm: %v", errs.ErrCrypto, err)
	}
	return gcm, nil
}

// EncryptChunk unwraps the DEK, derives the chunk key K and IV, builds the
// canonical AAD, and AEAD-encrypts plaintext under (K, IV, AAD). K and the
// DEK are zeroed before return.
func (p *Pipeline) EncryptChunk(plaintext []byte, wrappedDEKHex, fileID string, chunkIndex int) (*EncryptedChunk, error) {
	dek, err := p.UnwrapDEK(wrappedDEKHex)
	if err != nil {
		return nil, err
	}
	defer zero(dek)

	key, err := deriveChunkKey(dek, fileID, chunkIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCrypto, err)
	}
	defer zero(key)

	iv := deriveChunkIV(key, fileID, chunkIndex)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk cipher: %v", errs.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk gcm: %v", errs.ErrCrypto, err)
	}

	aad := ChunkAAD{FileID: fileID, ChunkIndex: chunkIndex, Version: CipherAESGCM}.Encode()

	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	ctHash := sha256.Sum256(ct)

	return &EncryptedChunk{
		CT:      ct,
		IV:      iv,
		Tag:     tag,
		AAD:     aad,
		CTHash:  ctHash[:],
		Version: CipherAESGCM,
	}, nil
}

// DecryptChunk validates the stored ciphertext hash, then unwraps the DEK,
// derives K and IV, rebuilds the AAD, and AEAD-decrypts. A ciphertext hash
// mismatch fails with ErrIntegrity; an AEAD tag or AAD mismatch fails with
// ErrAuth.
func (p *Pipeline) DecryptChunk(enc *EncryptedChunk, wrappedDEKHex, fileID string, chunkIndex int) ([]byte, error) {
	gotHash := sha256.Sum256(enc.CT)
	if !hashEqual(gotHash[:], enc.CTHash) {
		return nil, fmt.Errorf("%w: ciphertext hash mismatch", errs.ErrIntegrity)
	}

	dek, err := p.UnwrapDEK(wrappedDEKHex)
	if err != nil {
		return nil, err
	}
	defer zero(dek)

	if len(enc.IV) != ivLen {
		return nil, fmt.Errorf("%w: iv must be %d bytes", errs.ErrCrypto, ivLen)
	}
	if len(enc.Tag) != tagLen {
		return nil, fmt.Errorf("%w: tag must be %d bytes", errs.ErrCrypto, tagLen)
	}

	key, err := deriveChunkKey(dek, fileID, chunkIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCrypto, err)
	}
	defer zero(key)

	iv := deriveChunkIV(key, fileID, chunkIndex)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk cipher: %v", errs.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk gcm: %v", errs.ErrCrypto, err)
	}

	aad := ChunkAAD{FileID: fileID, ChunkIndex: chunkIndex, Version: CipherAESGCM}.Encode()

	sealed := append(append([]byte{}, enc.CT...), enc.Tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrAuth, err)
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

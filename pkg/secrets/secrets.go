// Package secrets encrypts environment-secret values symmetrically
// using a key derived from a configured master secret via PBKDF2
// (SHA-256, 100,000 iterations, 16-byte salt). Box is the sole
// primitive; the registry package persists sealed blobs and owns
// lookup, ownership scoping, and redaction.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	saltLen       = 16
	keyLen        = 32 // AES-256
)

// Box encrypts and decrypts secret values using a key derived from a
// master secret. One Box is shared across the process.
type Box struct {
	master []byte
}

// NewBox creates a Box from the configured master secret.
func NewBox(masterSecret string) *Box {
	return &Box{master: []byte(masterSecret)}
}

// Seal encrypts plaintext, returning a self-contained ciphertext blob
// (salt || nonce || sealed data) suitable for opaque storage.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "generate salt", err)
	}
	key := pbkdf2.Key(b.master, salt, kdfIterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "build cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "build gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "generate nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, saltLen+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts a blob previously returned by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < saltLen {
		return nil, coreerr.New(coreerr.BadInput, "secret blob too short")
	}
	salt, rest := blob[:saltLen], blob[saltLen:]
	key := pbkdf2.Key(b.master, salt, kdfIterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "build cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "build gcm", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, coreerr.New(coreerr.BadInput, "secret blob missing nonce")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.BadInput, "decrypt secret", err)
	}
	return plaintext, nil
}

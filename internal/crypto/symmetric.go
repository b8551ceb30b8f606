package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// AESKeySize is the key size for AES-256.
	AESKeySize = 32
	// IVSize is the GCM recommended nonce size.
	IVSize = 12
	// TagSize is the GCM authentication tag size.
	TagSize = 16
)

// DeriveLabeledKey derives a 32-byte AES-256 key from a secret using an
// HKDF label, salt and epoch:
//
//	key = HKDF-SHA-256(secret=secret, salt=salt, info=label||epoch_be64)
//
// internal/mls uses it for the epoch-archive encryption key (label
// "burrow-epoch-archive-v1", salt = nil, epoch 0). The Message and Media
// pipelines' keys come from mls.State.ExportSecret instead, whose info is
// label||context with no epoch suffix.
func DeriveLabeledKey(secret []byte, label string, salt []byte, epoch int) []byte {
	info := make([]byte, len(label)+8)
	copy(info, label)
	binary.BigEndian.PutUint64(info[len(label):], uint64(epoch))

	hkdfReader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

// AESGCMEncrypt encrypts plaintext with AES-256-GCM using a random nonce.
// Returns (nonce, ciphertext||tag).
func AESGCMEncrypt(key, plaintext []byte) (nonce, ct []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("random nonce: %w", err)
	}
	ct = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ct, nil
}

// AESGCMDecrypt decrypts ciphertext with AES-256-GCM.
// The ciphertext must include the 16-byte authentication tag appended
// by AESGCMEncrypt.
func AESGCMDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	return AESGCMDecryptAAD(key, nonce, ciphertext, nil)
}

// AESGCMEncryptAAD is AESGCMEncrypt with additional authenticated data that
// is bound to the ciphertext but not itself encrypted. Used by the media
// pipeline to bind MIME type, filename and the original-plaintext hash to
// the ciphertext without duplicating them inside it.
func AESGCMEncryptAAD(key, plaintext, aad []byte) (nonce, ct []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("random nonce: %w", err)
	}
	ct = gcm.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

// AESGCMDecryptAAD is AESGCMDecrypt with additional authenticated data that
// must match what AESGCMEncryptAAD was called with.
func AESGCMDecryptAAD(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("ciphertext too short (missing GCM tag)")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("gcm decrypt: %w", err)
	}
	return plaintext, nil
}

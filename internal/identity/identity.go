// Package identity manages the user's Nostr identity: a secp256k1/BIP340
// keypair (NIP-01) used to sign every outer event Burrow publishes, and the
// symmetric key that seals the Persistent MLS Store at rest.
//
// The Nostr identity key is a different curve from the teacher's
// Ed25519-only crypto.GenerateKeypair (which remains in use, unchanged, for
// the MLS-internal leaf signing key inside internal/mls) — NIP-01 mandates
// secp256k1, so this package uses go-nostr's key helpers instead of
// reinventing BIP340 signing. The at-rest storage shape (PEM-style,
// passphrase-encrypted file on disk) is kept the same as
// crypto.PrivateKeyToPEM's pattern even though secp256k1 keys aren't
// PKCS8-representable: we wrap the raw 32-byte key by hand in a PEM block
// of Burrow's own type (pemKeyType below), AES-GCM-encrypted under
// SHA-256(passphrase) when a passphrase is given.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/crypto"
)

// Identity holds the user's Nostr secp256k1 keypair.
type Identity struct {
	PrivateKeyHex string
	PublicKeyHex  string
}

// Generate creates a new random Nostr identity.
func Generate() (Identity, error) {
	priv := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return Identity{}, fmt.Errorf("derive public key: %w", err)
	}
	return Identity{PrivateKeyHex: priv, PublicKeyHex: pub}, nil
}

// Sign signs an event, populating its ID, PubKey and Sig fields.
func (id Identity) Sign(evt *nostr.Event) error {
	evt.PubKey = id.PublicKeyHex
	return evt.Sign(id.PrivateKeyHex)
}

// DBKey derives the symmetric key used to seal the Persistent MLS Store
// (the app-state sibling store is unencrypted and takes no key):
// SHA-256(domain || secret), where secret
// is the raw identity private key. This mirrors the teacher's
// passphrase-derived key pattern in crypto/signing.go but the "passphrase"
// here is the identity key itself, since Burrow has no separate vault
// passphrase concept — losing the identity key already means losing
// access to every group, so gating storage on it adds no extra exposure.
func (id Identity) DBKey(domain string) ([]byte, error) {
	raw, err := hex.DecodeString(id.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write(raw)
	return h.Sum(nil), nil
}

const pemKeyType = "BURROW NOSTR PRIVATE KEY"

// SaveToFile writes the identity's private key to path, PEM-encoded and
// optionally encrypted with AES-GCM under a key derived from passphrase.
func (id Identity) SaveToFile(path string, passphrase []byte) error {
	raw, err := hex.DecodeString(id.PrivateKeyHex)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}

	var block *pem.Block
	if len(passphrase) > 0 {
		key := sha256.Sum256(passphrase)
		nonce, ct, err := crypto.AESGCMEncrypt(key[:], raw)
		if err != nil {
			return fmt.Errorf("encrypt identity key: %w", err)
		}
		block = &pem.Block{Type: "ENCRYPTED " + pemKeyType, Bytes: append(nonce, ct...)}
	} else {
		block = &pem.Block{Type: pemKeyType, Bytes: raw}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity dir: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// LoadFromFile reads and decodes an identity previously written by SaveToFile.
func LoadFromFile(path string, passphrase []byte) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("reading identity file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return Identity{}, fmt.Errorf("failed to decode identity PEM block")
	}

	var raw []byte
	if block.Type == "ENCRYPTED "+pemKeyType {
		if len(passphrase) == 0 {
			return Identity{}, fmt.Errorf("identity key is encrypted but no passphrase supplied")
		}
		key := sha256.Sum256(passphrase)
		if len(block.Bytes) < crypto.IVSize {
			return Identity{}, fmt.Errorf("encrypted identity data too short")
		}
		nonce := block.Bytes[:crypto.IVSize]
		ct := block.Bytes[crypto.IVSize:]
		raw, err = crypto.AESGCMDecrypt(key[:], nonce, ct)
		if err != nil {
			return Identity{}, fmt.Errorf("decrypt identity key: %w", err)
		}
	} else {
		raw = block.Bytes
	}

	priv := hex.EncodeToString(raw)
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return Identity{}, fmt.Errorf("derive public key: %w", err)
	}
	return Identity{PrivateKeyHex: priv, PublicKeyHex: pub}, nil
}

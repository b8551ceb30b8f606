// Package media implements the Media Pipeline (spec.md §4.6,
// SPEC_FULL.md §4.6): per-file encryption of attachments under a key
// derived from the group's exporter secret, and the Media Reference
// descriptor that travels alongside the Message Pipeline's application
// messages.
//
// Grounded on the teacher's internal/crypto/symmetric.go DeriveFileKey
// construction (an HKDF-derived, per-path symmetric key) generalized from
// "one key per git-tracked file path" to "one key per uploaded blob,
// salted by the blob's own plaintext hash" — the file path here has no
// analogue, so the content hash plays the same decorrelating role.
package media

import (
	"context"
	"crypto/sha256"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/crypto"
	"github.com/burrowmls/burrow/internal/group"
)

const (
	mediaLabel    = "burrow-media-v1"
	schemeVersion = "burrow-media-v1"
)

// Uploader is the subset of internal/objectstore.Client the Media
// Pipeline depends on, kept as an interface so tests can swap in an
// in-memory store instead of spinning up an HTTP server.
type Uploader interface {
	Put(ctx context.Context, ciphertext []byte) (url string, err error)
	Get(ctx context.Context, url, expectHashHex string) ([]byte, error)
}

// Reference is the Media Reference data-model object (spec.md §3):
// everything a recipient needs to fetch and decrypt an attachment, none
// of which is secret on its own (the key is re-derived, never carried in
// the reference).
type Reference struct {
	URL           string `json:"url"`
	OriginalHash  []byte `json:"original_hash"`
	MIME          string `json:"mime"`
	Filename      string `json:"filename"`
	Width         *int   `json:"width,omitempty"`
	Height        *int   `json:"height,omitempty"`
	Nonce         []byte `json:"nonce"`
	SchemeVersion string `json:"scheme_version"`
	// Epoch is the MLS epoch the file key was derived from. Decrypt does
	// not read it: it tries the group's current epoch, then the one before.
	Epoch uint64 `json:"epoch"`
}

// Pipeline mediates attachment encrypt/upload and download/decrypt
// against a group's exporter secret and an Object Store client.
type Pipeline struct {
	uploader Uploader
}

// New builds a Media Pipeline backed by uploader.
func New(uploader Uploader) *Pipeline {
	return &Pipeline{uploader: uploader}
}

// aad binds the reference's non-secret fields to the ciphertext so a
// relay or storage provider cannot swap in a different MIME type or
// filename for the same bytes without the authentication tag failing.
func aad(mime, filename string, originalHash []byte) []byte {
	b := make([]byte, 0, len(mime)+len(filename)+len(originalHash)+2)
	b = append(b, []byte(mime)...)
	b = append(b, 0)
	b = append(b, []byte(filename)...)
	b = append(b, 0)
	b = append(b, originalHash...)
	return b
}

// Encrypt derives a per-file key from eng's current exporter secret,
// encrypts plaintext, uploads the ciphertext and returns the resulting
// Media Reference. dimensions may be nil for non-image attachments.
func (p *Pipeline) Encrypt(ctx context.Context, eng *group.Engine, plaintext []byte, mime, filename string, width, height *int) (Reference, error) {
	hash := sha256.Sum256(plaintext)
	originalHash := hash[:]

	key := eng.ExportSecret(mediaLabel, originalHash, crypto.AESKeySize)
	nonce, ct, err := crypto.AESGCMEncryptAAD(key, plaintext, aad(mime, filename, originalHash))
	if err != nil {
		return Reference{}, burrowerr.Wrap(burrowerr.CryptoFailure, "media.Encrypt", err)
	}

	url, err := p.uploader.Put(ctx, append(nonce, ct...))
	if err != nil {
		return Reference{}, burrowerr.Wrap(burrowerr.RelayFailure, "media.Encrypt", err)
	}

	return Reference{
		URL:           url,
		OriginalHash:  originalHash,
		MIME:          mime,
		Filename:      filename,
		Width:         width,
		Height:        height,
		Nonce:         nonce,
		SchemeVersion: schemeVersion,
		Epoch:         eng.Epoch(),
	}, nil
}

// Decrypt downloads and decrypts ref, re-deriving the file key from eng's
// current epoch first and falling back to the previous epoch on
// authentication failure (spec.md §4.6). Returns
// burrowerr.MediaDecryptionFailed if neither epoch's key authenticates.
func (p *Pipeline) Decrypt(ctx context.Context, eng *group.Engine, ref Reference) ([]byte, error) {
	if ref.SchemeVersion != schemeVersion {
		return nil, burrowerr.New(burrowerr.ProtocolViolation, "media.Decrypt", "unsupported media reference scheme version")
	}
	if len(ref.OriginalHash) != sha256.Size {
		return nil, burrowerr.New(burrowerr.ProtocolViolation, "media.Decrypt", "original hash must be 32 bytes")
	}
	if len(ref.Nonce) != crypto.IVSize {
		return nil, burrowerr.New(burrowerr.ProtocolViolation, "media.Decrypt", "nonce must be 12 bytes")
	}

	blob, err := p.uploader.Get(ctx, ref.URL, hashHexOfCiphertext(ref))
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.RelayFailure, "media.Decrypt", err)
	}
	if len(blob) < crypto.IVSize {
		return nil, burrowerr.New(burrowerr.ProtocolViolation, "media.Decrypt", "downloaded blob too short")
	}
	ct := blob[crypto.IVSize:]
	aadBytes := aad(ref.MIME, ref.Filename, ref.OriginalHash)

	currentEpoch := eng.Epoch()
	if plaintext, err := tryDecrypt(eng, currentEpoch, ref.OriginalHash, ref.Nonce, ct, aadBytes); err == nil {
		return plaintext, nil
	}

	if currentEpoch == 0 {
		return nil, burrowerr.New(burrowerr.MediaDecryptionFailed, "media.Decrypt", "no previous epoch to retry")
	}
	if plaintext, err := tryDecrypt(eng, currentEpoch-1, ref.OriginalHash, ref.Nonce, ct, aadBytes); err == nil {
		return plaintext, nil
	}

	return nil, burrowerr.New(burrowerr.MediaDecryptionFailed, "media.Decrypt", "ciphertext did not authenticate under the current or previous epoch")
}

func tryDecrypt(eng *group.Engine, epoch uint64, originalHash, nonce, ct, aad []byte) ([]byte, error) {
	key, err := eng.ExportSecretAt(epoch, mediaLabel, originalHash, crypto.AESKeySize)
	if err != nil {
		return nil, err
	}
	return crypto.AESGCMDecryptAAD(key, nonce, ct, aad)
}

// hashHexOfCiphertext recovers the content-addressed hash Object Store
// URLs are keyed by: the URL's own trailing path segment. The Media
// Reference does not separately record the ciphertext's hash (only the
// original plaintext's), since the Object Store Client already re-derives
// and checks it internally against the URL it was given.
func hashHexOfCiphertext(ref Reference) string {
	for i := len(ref.URL) - 1; i >= 0; i-- {
		if ref.URL[i] == '/' {
			return ref.URL[i+1:]
		}
	}
	return ref.URL
}


package mls

import (
	"encoding/json"
	"fmt"

	"github.com/burrowmls/burrow/internal/crypto"
)

const archiveKeyLabel = "burrow-epoch-archive-v1"

// defaultRetentionWindow bounds how many trailing epochs the archive keeps
// once it has been explicitly pruned via Prune. A fresh archive can hold
// any number of epochs; Prune is invoked by the Group Engine once a group
// has advanced far enough that very old epoch secrets are no longer needed
// for previous-epoch media fallback (spec's media decrypt retries exactly
// one epoch back, so two trailing epochs is enough in steady state, but
// the default errs generous to tolerate slow-to-ack commits).
const defaultRetentionWindow = 8

// EpochKeyArchive manages a collection of epoch secrets keyed by epoch number.
type EpochKeyArchive struct {
	keys map[int][]byte
}

// NewEpochKeyArchive creates an empty archive.
func NewEpochKeyArchive() *EpochKeyArchive {
	return &EpochKeyArchive{keys: make(map[int][]byte)}
}

// NewWithSecret creates a new archive with a single epoch secret.
func NewWithSecret(epoch int, secret []byte) *EpochKeyArchive {
	a := NewEpochKeyArchive()
	a.Add(epoch, secret)
	return a
}

// Add records the secret for an epoch.
func (a *EpochKeyArchive) Add(epoch int, secret []byte) {
	a.keys[epoch] = secret
}

// Get retrieves the secret for an epoch.
func (a *EpochKeyArchive) Get(epoch int) ([]byte, error) {
	s, ok := a.keys[epoch]
	if !ok {
		return nil, fmt.Errorf("epoch %d not in archive", epoch)
	}
	return s, nil
}

// Has returns true if the epoch is in the archive.
func (a *EpochKeyArchive) Has(epoch int) bool {
	_, ok := a.keys[epoch]
	return ok
}

// Epochs returns sorted epoch numbers.
func (a *EpochKeyArchive) Epochs() []int {
	epochs := make([]int, 0, len(a.keys))
	for k := range a.keys {
		epochs = append(epochs, k)
	}
	// Simple insertion sort (small lists)
	for i := 1; i < len(epochs); i++ {
		for j := i; j > 0 && epochs[j-1] > epochs[j]; j-- {
			epochs[j-1], epochs[j] = epochs[j], epochs[j-1]
		}
	}
	return epochs
}

// LatestEpoch returns the highest epoch number, or -1 if empty.
func (a *EpochKeyArchive) LatestEpoch() int {
	if len(a.keys) == 0 {
		return -1
	}
	max := -1
	for k := range a.keys {
		if k > max {
			max = k
		}
	}
	return max
}

func (a *EpochKeyArchive) toJSONBytes() []byte {
	obj := make(map[string]string)
	for k, v := range a.keys {
		obj[fmt.Sprintf("%d", k)] = crypto.B64Encode(v, true)
	}
	data, _ := json.Marshal(obj)
	return data
}

func epochKeyArchiveFromJSON(data []byte) (*EpochKeyArchive, error) {
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal epoch archive: %w", err)
	}
	a := NewEpochKeyArchive()
	for k, v := range obj {
		var epoch int
		if _, err := fmt.Sscanf(k, "%d", &epoch); err != nil {
			return nil, fmt.Errorf("parse epoch key %q: %w", k, err)
		}
		secret, err := crypto.B64Decode(v, true)
		if err != nil {
			return nil, fmt.Errorf("decode epoch secret: %w", err)
		}
		a.keys[epoch] = secret
	}
	return a, nil
}

func deriveArchiveKey(epochSecret []byte) []byte {
	return crypto.DeriveLabeledKey(epochSecret, archiveKeyLabel, nil, 0)
}

// Prune drops every archived epoch secret older than keepFrom, keeping the
// archive bounded the way the teacher's delta compaction kept a change
// chain bounded once it passed its length threshold: instead of
// compacting a sequence of text diffs, this compacts a sequence of epoch
// secrets, since both are "old state we no longer need the full history
// of, only the latest". Returns the number of epochs dropped.
func (a *EpochKeyArchive) Prune(keepFrom int) int {
	dropped := 0
	for epoch := range a.keys {
		if epoch < keepFrom {
			delete(a.keys, epoch)
			dropped++
		}
	}
	return dropped
}

// PruneToWindow prunes using defaultRetentionWindow relative to the
// archive's own latest epoch.
func (a *EpochKeyArchive) PruneToWindow() int {
	latest := a.LatestEpoch()
	if latest < defaultRetentionWindow {
		return 0
	}
	return a.Prune(latest - defaultRetentionWindow + 1)
}

// Encrypt encrypts the archive under a key derived from the epoch secret.
// Returns ciphertext bytes (nonce || ciphertext || tag).
func (a *EpochKeyArchive) Encrypt(currentEpochSecret []byte) ([]byte, error) {
	plaintext := a.toJSONBytes()
	archiveKey := deriveArchiveKey(currentEpochSecret)
	nonce, ct, err := crypto.AESGCMEncrypt(archiveKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt archive: %w", err)
	}
	return append(nonce, ct...), nil
}

// DecryptArchive decrypts the archive using a key derived from the epoch secret.
func DecryptArchive(data []byte, epochSecret []byte) (*EpochKeyArchive, error) {
	archiveKey := deriveArchiveKey(epochSecret)
	if len(data) < crypto.IVSize {
		return nil, fmt.Errorf("archive data too short")
	}
	nonce := data[:crypto.IVSize]
	ct := data[crypto.IVSize:]
	plaintext, err := crypto.AESGCMDecrypt(archiveKey, nonce, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt archive: %w", err)
	}
	return epochKeyArchiveFromJSON(plaintext)
}

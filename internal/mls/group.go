// Package mls implements the low-level MLS-like state engine Burrow's
// Group Engine is built on.
//
// This is a self-contained implementation providing MLS 1.0 semantics
// (epoch advancement, exporter-secret derivation, member add/remove,
// pending-commit bookkeeping) using Ed25519 + X25519 + HKDF under
// MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519. It can be swapped for a
// full RFC 9420 implementation later without changing its callers in
// internal/group, since State's public surface already speaks in terms
// of commits, welcomes and pending-commit conflicts rather than raw tree
// operations.
package mls

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// MLSCiphersuiteID identifies the MLS 1.0 ciphersuite this package
// implements: MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
const MLSCiphersuiteID = 0x0001

// Keys bundles the keys generated for an MLS leaf.
type Keys struct {
	SigPriv  ed25519.PrivateKey // Ed25519 leaf signing private key
	SigPub   ed25519.PublicKey  // Ed25519 leaf signing public key
	InitPriv []byte             // X25519 init private key (32 bytes)
	InitPub  []byte             // X25519 init public key (32 bytes)
}

// GenerateKeys generates all keys needed for MLS leaf membership.
func GenerateKeys() (Keys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, fmt.Errorf("generate ed25519: %w", err)
	}
	initPriv := make([]byte, 32)
	if _, err := rand.Read(initPriv); err != nil {
		return Keys{}, fmt.Errorf("generate init key: %w", err)
	}
	initPub, err := curve25519.X25519(initPriv, curve25519.Basepoint)
	if err != nil {
		return Keys{}, fmt.Errorf("derive init public key: %w", err)
	}

	return Keys{
		SigPriv:  priv,
		SigPub:   pub,
		InitPriv: initPriv,
		InitPub:  initPub,
	}, nil
}

// KeyPackageData holds the serializable key package published for a leaf.
type KeyPackageData struct {
	Identity      []byte `json:"identity"`
	SigPub        []byte `json:"sig_pub"`
	InitPub       []byte `json:"init_pub"`
	CiphersuiteID int    `json:"ciphersuite_id"`
}

// BuildKeyPackage builds a serializable key package for identity.
func BuildKeyPackage(identity []byte, keys Keys) KeyPackageData {
	return KeyPackageData{
		Identity:      identity,
		SigPub:        keys.SigPub,
		InitPub:       keys.InitPub,
		CiphersuiteID: MLSCiphersuiteID,
	}
}

type memberEntry struct {
	Identity []byte `json:"identity"`
	SigPub   []byte `json:"sig_pub"`
	InitPub  []byte `json:"init_pub"`
	Active   bool   `json:"active"`
}

// groupState is the serializable internal state.
type groupState struct {
	GroupID      []byte        `json:"group_id"`
	Epoch        uint64        `json:"epoch"`
	EpochSecret  []byte        `json:"epoch_secret"`
	Members      []memberEntry `json:"members"`
	OwnLeafIndex int           `json:"own_leaf_index"`
}

// WelcomeData holds the data sent to a new member joining the group.
type WelcomeData struct {
	GroupID     []byte        `json:"group_id"`
	Epoch       uint64        `json:"epoch"`
	EpochSecret []byte        `json:"epoch_secret"`
	Members     []memberEntry `json:"members"`
	LeafIndex   int           `json:"leaf_index"`
}

// PendingCommitKind identifies the kind of proposal a pending commit bundles.
// The Group Engine invariant "at most one pending commit per group" is
// enforced by the caller (internal/group), not here; State keeps no record
// of in-flight commits.
type PendingCommitKind string

const (
	PendingAddMembers     PendingCommitKind = "add_members"
	PendingRemoveMembers  PendingCommitKind = "remove_members"
	PendingUpdateMetadata PendingCommitKind = "update_metadata"
	PendingLeave          PendingCommitKind = "leave"
)

// PendingCommit is a commit generated locally but not yet merged. It
// carries the post-commit state (NewState) apart from the live state, so
// the caller can discard it cleanly on CommitConflict without having
// mutated the authoritative group state.
type PendingCommit struct {
	Kind         PendingCommitKind `json:"kind"`
	TargetEpoch  uint64            `json:"target_epoch"`
	NewState     groupState        `json:"new_state"`
	WelcomeBytes [][]byte          `json:"welcome_bytes,omitempty"`
}

// ToBytes serializes a pending commit for storage in the pending_commits collection.
func (p *PendingCommit) ToBytes() ([]byte, error) {
	return json.Marshal(p)
}

// PendingCommitFromBytes restores a pending commit from storage.
func PendingCommitFromBytes(data []byte) (*PendingCommit, error) {
	var p PendingCommit
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending commit: %w", err)
	}
	return &p, nil
}

// CommitBytes returns the wire form of the commit (the new committed state,
// as published and applied by other members via ApplyCommit).
func (p *PendingCommit) CommitBytes() ([]byte, error) {
	return json.Marshal(p.NewState)
}

// State wraps MLS group state for a single member's view of a group.
type State struct {
	state  groupState
	sigKey ed25519.PrivateKey
}

// Create creates a new MLS group with the creator as the sole member.
func Create(groupID, identity []byte, keys Keys) (*State, error) {
	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, fmt.Errorf("generate epoch secret: %w", err)
	}

	g := &State{
		state: groupState{
			GroupID:     groupID,
			Epoch:       0,
			EpochSecret: epochSecret,
			Members: []memberEntry{{
				Identity: identity,
				SigPub:   keys.SigPub,
				InitPub:  keys.InitPub,
				Active:   true,
			}},
			OwnLeafIndex: 0,
		},
		sigKey: keys.SigPriv,
	}
	return g, nil
}

// JoinFromWelcome joins an existing group from a decrypted Welcome artefact.
func JoinFromWelcome(welcomeBytes []byte, keys Keys) (*State, error) {
	var w WelcomeData
	if err := json.Unmarshal(welcomeBytes, &w); err != nil {
		return nil, fmt.Errorf("unmarshal welcome: %w", err)
	}

	g := &State{
		state: groupState{
			GroupID:      w.GroupID,
			Epoch:        w.Epoch,
			EpochSecret:  w.EpochSecret,
			Members:      w.Members,
			OwnLeafIndex: w.LeafIndex,
		},
		sigKey: keys.SigPriv,
	}
	return g, nil
}

// FromBytes restores group state from a Persistent MLS Store record.
func FromBytes(data []byte, sigPriv ed25519.PrivateKey) (*State, error) {
	var s groupState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal group state: %w", err)
	}
	return &State{state: s, sigKey: sigPriv}, nil
}

// ToBytes serializes group state for the Persistent MLS Store.
func (g *State) ToBytes() ([]byte, error) {
	return json.Marshal(g.state)
}

// Epoch returns the current epoch number.
func (g *State) Epoch() uint64 {
	return g.state.Epoch
}

// MemberCount returns the number of active members.
func (g *State) MemberCount() int {
	count := 0
	for _, m := range g.state.Members {
		if m.Active {
			count++
		}
	}
	return count
}

// OwnLeafIndex returns this member's leaf index.
func (g *State) OwnLeafIndex() int {
	return g.state.OwnLeafIndex
}

// IsOwnLeafActive reports whether this member's own leaf is still active
// in the current epoch, so a caller can detect a merged or applied commit
// that deactivated it (a leave or a remove targeting self).
func (g *State) IsOwnLeafActive() bool {
	return g.state.Members[g.state.OwnLeafIndex].Active
}

// SigPriv returns the raw Ed25519 seed of the leaf signing key.
func (g *State) SigPriv() []byte {
	return g.sigKey.Seed()
}

// ExportSecret derives a labeled application secret from the current
// epoch secret, the same exporter construction RFC 9420 §8.5 describes.
// The Message Pipeline uses label "burrow-outer-v1"; the Media Pipeline
// uses "burrow-media-v1".
func (g *State) ExportSecret(label string, context []byte, length int) []byte {
	return exportSecret(g.state.EpochSecret, []byte(label), context, length)
}

// Sign signs data with the leaf's Ed25519 signing key, binding an inner
// Message Pipeline event to this member's MLS leaf rather than only to
// whatever ephemeral Nostr key signed the outer envelope.
func (g *State) Sign(data []byte) []byte {
	return ed25519.Sign(g.sigKey, data)
}

// RawEpochSecret returns a copy of the current epoch secret itself, the
// value the Group Engine archives per-epoch so the Message and Media
// pipelines can still derive a previous epoch's keys after a commit has
// moved the group forward. Plays the same role the teacher's
// ExportEpochSecret played for its per-file key archive.
func (g *State) RawEpochSecret() []byte {
	return append([]byte{}, g.state.EpochSecret...)
}

// LeafSigPub returns the Ed25519 signing key bound to identity's active
// leaf, so a caller receiving a message claiming to be from identity can
// verify the claim is actually backed by that leaf's MLS binding rather
// than trusting the outer Nostr author alone.
func (g *State) LeafSigPub(identity []byte) (ed25519.PublicKey, bool) {
	for _, m := range g.state.Members {
		if m.Active && bytes.Equal(m.Identity, identity) {
			return ed25519.PublicKey(m.SigPub), true
		}
	}
	return nil, false
}

// ExportSecretFromArchived re-derives a labeled secret from an epoch
// secret retrieved out of an EpochKeyArchive, for decrypting content sent
// under a now-superseded epoch.
func ExportSecretFromArchived(epochSecret []byte, label string, context []byte, length int) []byte {
	return exportSecret(epochSecret, []byte(label), context, length)
}

func exportSecret(epochSecret, label, context []byte, length int) []byte {
	info := append(append([]byte{}, label...), context...)
	r := hkdf.New(sha256.New, epochSecret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf export: %v", err))
	}
	return out
}

// advanceEpoch derives a new epoch secret and increments the epoch counter
// on a scratch copy of the state, leaving g untouched until the caller
// commits to it (via MergePending or ApplyCommit).
func advanceEpoch(s groupState) groupState {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, s.Epoch)
	r := hkdf.New(sha256.New, s.EpochSecret, epochBytes, []byte("burrow-epoch-advance-v1"))
	newSecret := make([]byte, 32)
	if _, err := io.ReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("hkdf advance: %v", err))
	}
	s.EpochSecret = newSecret
	s.Epoch++
	return s
}

func cloneMembers(members []memberEntry) []memberEntry {
	out := make([]memberEntry, len(members))
	copy(out, members)
	return out
}

// ProposeAddMembers builds a pending commit adding kps as new leaves and a
// Welcome artefact for each. The group state is not mutated until
// MergePending is called with this commit.
func (g *State) ProposeAddMembers(kps []KeyPackageData) (*PendingCommit, error) {
	newState := groupState{
		GroupID:      g.state.GroupID,
		Epoch:        g.state.Epoch,
		EpochSecret:  g.state.EpochSecret,
		Members:      cloneMembers(g.state.Members),
		OwnLeafIndex: g.state.OwnLeafIndex,
	}

	leafIndices := make([]int, len(kps))
	for i, kp := range kps {
		leafIndices[i] = len(newState.Members)
		newState.Members = append(newState.Members, memberEntry{
			Identity: kp.Identity,
			SigPub:   kp.SigPub,
			InitPub:  kp.InitPub,
			Active:   true,
		})
	}

	newState = advanceEpoch(newState)

	welcomes := make([][]byte, len(kps))
	for i, leafIndex := range leafIndices {
		w := WelcomeData{
			GroupID:     newState.GroupID,
			Epoch:       newState.Epoch,
			EpochSecret: newState.EpochSecret,
			Members:     newState.Members,
			LeafIndex:   leafIndex,
		}
		wb, err := json.Marshal(w)
		if err != nil {
			return nil, fmt.Errorf("marshal welcome: %w", err)
		}
		welcomes[i] = wb
	}

	return &PendingCommit{
		Kind:         PendingAddMembers,
		TargetEpoch:  newState.Epoch,
		NewState:     newState,
		WelcomeBytes: welcomes,
	}, nil
}

// ProposeRemoveMembers builds a pending commit deactivating the given leaf
// indices.
func (g *State) ProposeRemoveMembers(leafIndices []int) (*PendingCommit, error) {
	newState := groupState{
		GroupID:      g.state.GroupID,
		Epoch:        g.state.Epoch,
		EpochSecret:  g.state.EpochSecret,
		Members:      cloneMembers(g.state.Members),
		OwnLeafIndex: g.state.OwnLeafIndex,
	}

	for _, idx := range leafIndices {
		if idx < 0 || idx >= len(newState.Members) {
			return nil, fmt.Errorf("leaf index %d out of range [0, %d)", idx, len(newState.Members))
		}
		if idx == newState.OwnLeafIndex {
			return nil, fmt.Errorf("cannot remove self via remove_members, use leave")
		}
		newState.Members[idx].Active = false
	}

	newState = advanceEpoch(newState)

	return &PendingCommit{
		Kind:        PendingRemoveMembers,
		TargetEpoch: newState.Epoch,
		NewState:    newState,
	}, nil
}

// ProposeLeave builds a pending commit that removes the local member.
func (g *State) ProposeLeave() (*PendingCommit, error) {
	newState := groupState{
		GroupID:      g.state.GroupID,
		Epoch:        g.state.Epoch,
		EpochSecret:  g.state.EpochSecret,
		Members:      cloneMembers(g.state.Members),
		OwnLeafIndex: g.state.OwnLeafIndex,
	}
	newState.Members[newState.OwnLeafIndex].Active = false
	newState = advanceEpoch(newState)

	return &PendingCommit{
		Kind:        PendingLeave,
		TargetEpoch: newState.Epoch,
		NewState:    newState,
	}, nil
}

// MergePending applies a pending commit that this member generated and
// whose corresponding outer event has been acknowledged by a relay
// (MIP-02 state-fork avoidance).
func (g *State) MergePending(p *PendingCommit) {
	ownLeaf := g.state.OwnLeafIndex
	g.state = p.NewState
	g.state.OwnLeafIndex = ownLeaf
}

// ApplyCommit applies a commit published by another member. Used both for
// normal forward progress and, on CommitConflict, to adopt the winning
// commit after the local pending commit is discarded.
func (g *State) ApplyCommit(commitBytes []byte) error {
	var newState groupState
	if err := json.Unmarshal(commitBytes, &newState); err != nil {
		return fmt.Errorf("unmarshal commit: %w", err)
	}
	ownLeaf := g.state.OwnLeafIndex
	if ownLeaf >= len(newState.Members) || !newState.Members[ownLeaf].Active {
		return fmt.Errorf("applying commit would remove own leaf")
	}
	newState.OwnLeafIndex = ownLeaf
	g.state = newState
	return nil
}

// SyncFromCommitted updates the group state from committed state bytes
// observed out of band (e.g. replayed from the message log). Returns true
// if the state advanced.
func (g *State) SyncFromCommitted(committedBytes []byte) bool {
	var committed groupState
	if err := json.Unmarshal(committedBytes, &committed); err != nil {
		return false
	}
	if committed.Epoch <= g.state.Epoch {
		return false
	}
	ownLeaf := g.state.OwnLeafIndex
	if ownLeaf >= len(committed.Members) || !committed.Members[ownLeaf].Active {
		return false
	}
	g.state = committed
	g.state.OwnLeafIndex = ownLeaf
	return true
}

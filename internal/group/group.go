// Package group implements the Group Engine: the Marmot-level group
// record (admins, relay set, membership, lifecycle state) and the
// create/add_members/remove_members/leave/update_metadata/merge_pending
// state machine described by spec.md §3, built on top of the low-level
// MLS state engine in internal/mls.
//
// Grounded on the teacher's internal/mls/group.go (MLSGitGroup, as
// generalized into mls.State) for the underlying epoch/commit mechanics;
// the pending-commit bookkeeping and tie-breaking rules here have no
// teacher analogue (the teacher's CLI merges changes synchronously via a
// git merge, never needing a pending/committed split) and are grounded
// directly on spec.md's Group module instead.
package group

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/mls"
	"github.com/burrowmls/burrow/internal/store"
)

// LifecycleState is a Group's coarse lifecycle position.
type LifecycleState string

const (
	StatePending  LifecycleState = "pending"
	StateActive   LifecycleState = "active"
	StateInactive LifecycleState = "inactive"
)

// Record is the serializable Marmot-level group record, independent of
// the underlying MLS cryptographic state (which lives separately in the
// Persistent MLS Store's groups collection, keyed by the same GroupID).
type Record struct {
	ProtocolGroupID string         `json:"protocol_group_id"`
	RoutingGroupID  string         `json:"routing_group_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Admins          []string       `json:"admins"`
	Relays          []string       `json:"relays"`
	Epoch           uint64         `json:"epoch"`
	Members         []string       `json:"members"`
	AvatarRef       string         `json:"avatar_ref,omitempty"`
	Lifecycle       LifecycleState `json:"lifecycle"`
}

// IsAdmin reports whether pubkey is one of the group's admins.
func (r *Record) IsAdmin(pubkey string) bool {
	for _, a := range r.Admins {
		if a == pubkey {
			return true
		}
	}
	return false
}

// IsMember reports whether pubkey is currently a member.
func (r *Record) IsMember(pubkey string) bool {
	for _, m := range r.Members {
		if m == pubkey {
			return true
		}
	}
	return false
}

// requireAdmin enforces that actor is one of the group's admins.
// Membership mutations (add_members, remove_members) always go through
// this unconditionally; the direct-message admin-check exemption is
// scoped to UpdateMetadata alone, per spec.md §4.3.
func (r *Record) requireAdmin(actor string) error {
	if !r.IsAdmin(actor) {
		return burrowerr.New(burrowerr.Denied, "group.requireAdmin", "actor is not a group admin")
	}
	return nil
}

// Engine wraps a Group's Record and underlying MLS state, mediating the
// create/add/remove/leave/update/merge state machine and persisting every
// transition to the Persistent MLS Store.
type Engine struct {
	st       *store.Store
	record   Record
	mlsState *mls.State
	archive  *mls.EpochKeyArchive
}

// Create creates a new group named name with admins and an initial member
// set built from creatorIdentity. The group starts in StatePending at
// epoch 0; it only transitions to StateActive once its first commit is
// merged (see MergePending), matching spec.md §4.3's lifecycle table and
// the §8 scenario 1 walkthrough. Fails with a duplicate_group InvalidInput
// error if a record for groupID already exists.
func Create(st *store.Store, groupID, name, description string, admins, relays []string, creatorIdentity []byte, leafKeys mls.Keys) (*Engine, error) {
	if _, err := st.Get(store.CollectionGroups, groupID, "record"); err == nil {
		return nil, burrowerr.New(burrowerr.InvalidInput, "group.Create", "group already exists (duplicate_group)")
	} else if !burrowerr.Is(err, burrowerr.NotFound) {
		return nil, err
	}

	mlsState, err := mls.Create([]byte(groupID), creatorIdentity, leafKeys)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.CryptoFailure, "group.Create", err)
	}

	record := Record{
		ProtocolGroupID: groupID,
		RoutingGroupID:  groupID,
		Name:            name,
		Description:     description,
		Admins:          admins,
		Relays:          relays,
		Epoch:           0,
		Members:         []string{string(creatorIdentity)},
		Lifecycle:       StatePending,
	}

	archive := mls.NewWithSecret(int(mlsState.Epoch()), mlsState.RawEpochSecret())
	e := &Engine{st: st, record: record, mlsState: mlsState, archive: archive}
	if err := e.persist(); err != nil {
		return nil, err
	}
	return e, nil
}

// Adopt materializes an Engine for a group joined via the Welcome Pipeline:
// record is the Marmot-level metadata carried in the welcome rumor, and
// mlsState is the cryptographic state built by mls.JoinFromWelcome.
func Adopt(st *store.Store, record Record, mlsState *mls.State) (*Engine, error) {
	archive := mls.NewWithSecret(int(mlsState.Epoch()), mlsState.RawEpochSecret())
	e := &Engine{st: st, record: record, mlsState: mlsState, archive: archive}
	if err := e.persist(); err != nil {
		return nil, err
	}
	return e, nil
}

// Load restores an Engine from the Persistent MLS Store.
func Load(st *store.Store, groupID string, sigPriv ed25519.PrivateKey) (*Engine, error) {
	recordBytes, err := st.Get(store.CollectionGroups, groupID, "record")
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(recordBytes, &record); err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "group.Load", err)
	}

	stateBytes, err := st.Get(store.CollectionGroups, groupID, "mls_state")
	if err != nil {
		return nil, err
	}
	mlsState, err := mls.FromBytes(stateBytes, sigPriv)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "group.Load", err)
	}

	archive, err := loadOrSeedArchive(st, groupID, mlsState)
	if err != nil {
		return nil, err
	}

	return &Engine{st: st, record: record, mlsState: mlsState, archive: archive}, nil
}

// ListGroups returns the Record of every group with state in st, sorted
// by ProtocolGroupID, for the CLI's "group list" command. It reads only
// the lightweight Record, not the full MLS state each group's Engine
// carries.
func ListGroups(st *store.Store) ([]Record, error) {
	ids, err := st.ListGroupIDs(store.CollectionGroups)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		data, err := st.Get(store.CollectionGroups, id, "record")
		if err != nil {
			return nil, err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, burrowerr.Wrap(burrowerr.StorageFailure, "group.ListGroups", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func loadOrSeedArchive(st *store.Store, groupID string, mlsState *mls.State) (*mls.EpochKeyArchive, error) {
	archiveBytes, err := st.Get(store.CollectionEpochSecrets, groupID, "archive")
	if burrowerr.Is(err, burrowerr.NotFound) {
		return mls.NewWithSecret(int(mlsState.Epoch()), mlsState.RawEpochSecret()), nil
	}
	if err != nil {
		return nil, err
	}
	archive, err := mls.DecryptArchive(archiveBytes, mlsState.RawEpochSecret())
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.CryptoFailure, "group.loadOrSeedArchive", err)
	}
	if !archive.Has(int(mlsState.Epoch())) {
		archive.Add(int(mlsState.Epoch()), mlsState.RawEpochSecret())
	}
	return archive, nil
}

func (e *Engine) persist() error {
	recordBytes, err := json.Marshal(e.record)
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "group.persist", err)
	}
	stateBytes, err := e.mlsState.ToBytes()
	if err != nil {
		return burrowerr.Wrap(burrowerr.CryptoFailure, "group.persist", err)
	}
	archiveBytes, err := e.archive.Encrypt(e.mlsState.RawEpochSecret())
	if err != nil {
		return burrowerr.Wrap(burrowerr.CryptoFailure, "group.persist", err)
	}
	return e.st.Transaction([]store.Mutation{
		{Collection: store.CollectionGroups, GroupID: e.record.ProtocolGroupID, Subkey: "record", Value: recordBytes},
		{Collection: store.CollectionGroups, GroupID: e.record.ProtocolGroupID, Subkey: "mls_state", Value: stateBytes},
		{Collection: store.CollectionEpochSecrets, GroupID: e.record.ProtocolGroupID, Subkey: "archive", Value: archiveBytes},
	})
}

// ArchivedSecret returns the raw epoch secret for a given (possibly
// superseded) epoch, if still within the archive's retention window. Used
// by the Message and Media pipelines for previous-epoch decrypt fallback.
func (e *Engine) ArchivedSecret(epoch uint64) ([]byte, error) {
	secret, err := e.archive.Get(int(epoch))
	if err != nil {
		return nil, burrowerr.New(burrowerr.NotFound, "group.ArchivedSecret", "epoch secret no longer archived")
	}
	return secret, nil
}

// Record returns a copy of the current group record.
func (e *Engine) Record() Record {
	return e.record
}

func (e *Engine) hasPendingCommit() (bool, error) {
	_, err := e.st.Get(store.CollectionPendingCommits, e.record.ProtocolGroupID, "current")
	if burrowerr.Is(err, burrowerr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// pendingRecord wraps an mls.PendingCommit with the Marmot-level
// membership delta it implies, so MergePending can update Record.Members
// in lockstep with the MLS leaf list without re-deriving pubkeys from
// raw key material.
type pendingRecord struct {
	Commit         *mls.PendingCommit `json:"commit"`
	AddedMembers   []string           `json:"added_members,omitempty"`
	RemovedMembers []string           `json:"removed_members,omitempty"`
}

func (e *Engine) storePending(p pendingRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "group.storePending", err)
	}
	return e.st.Put(store.CollectionPendingCommits, e.record.ProtocolGroupID, "current", data)
}

func (e *Engine) loadPending() (pendingRecord, error) {
	data, err := e.st.Get(store.CollectionPendingCommits, e.record.ProtocolGroupID, "current")
	if err != nil {
		return pendingRecord{}, err
	}
	var p pendingRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return pendingRecord{}, burrowerr.Wrap(burrowerr.StorageFailure, "group.loadPending", err)
	}
	return p, nil
}

func (e *Engine) clearPending() error {
	return e.st.Delete(store.CollectionPendingCommits, e.record.ProtocolGroupID, "current")
}

// ProposeAddMembers builds and stores a pending commit adding kps as new
// leaves, with memberIdentities the corresponding Nostr pubkeys (same
// order as kps) to merge into Record.Members once the commit lands. The
// caller is responsible for publishing the resulting commit and welcome
// rumors, awaiting acknowledgement, then calling MergePending.
func (e *Engine) ProposeAddMembers(actor string, kps []mls.KeyPackageData, memberIdentities []string) (*mls.PendingCommit, error) {
	if err := e.record.requireAdmin(actor); err != nil {
		return nil, burrowerr.Wrap(burrowerr.Denied, "group.ProposeAddMembers", err)
	}
	if len(kps) != len(memberIdentities) {
		return nil, burrowerr.New(burrowerr.InvalidInput, "group.ProposeAddMembers", "key packages and identities must pair up")
	}
	for _, kp := range kps {
		if kp.CiphersuiteID != mls.MLSCiphersuiteID {
			return nil, burrowerr.New(burrowerr.InvalidInput, "group.ProposeAddMembers", "key package ciphersuite mismatch (invalid_key_package)")
		}
	}
	if has, err := e.hasPendingCommit(); err != nil {
		return nil, err
	} else if has {
		return nil, burrowerr.New(burrowerr.PendingCommitExists, "group.ProposeAddMembers", "a pending commit already exists")
	}

	pending, err := e.mlsState.ProposeAddMembers(kps)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.ProtocolViolation, "group.ProposeAddMembers", err)
	}
	if err := e.storePending(pendingRecord{Commit: pending, AddedMembers: memberIdentities}); err != nil {
		return nil, err
	}
	return pending, nil
}

// ProposeRemoveMembers builds and stores a pending commit removing members
// by pubkey.
func (e *Engine) ProposeRemoveMembers(actor string, memberPubkeys []string) (*mls.PendingCommit, error) {
	if err := e.record.requireAdmin(actor); err != nil {
		return nil, burrowerr.Wrap(burrowerr.Denied, "group.ProposeRemoveMembers", err)
	}
	if has, err := e.hasPendingCommit(); err != nil {
		return nil, err
	} else if has {
		return nil, burrowerr.New(burrowerr.PendingCommitExists, "group.ProposeRemoveMembers", "a pending commit already exists")
	}

	leafIndices := make([]int, 0, len(memberPubkeys))
	for _, pk := range memberPubkeys {
		if !e.record.IsMember(pk) {
			return nil, burrowerr.New(burrowerr.NotFound, "group.ProposeRemoveMembers", "pubkey is not a group member")
		}
		for i, m := range e.record.Members {
			if m == pk {
				leafIndices = append(leafIndices, i)
			}
		}
	}

	pending, err := e.mlsState.ProposeRemoveMembers(leafIndices)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.ProtocolViolation, "group.ProposeRemoveMembers", err)
	}
	if err := e.storePending(pendingRecord{Commit: pending, RemovedMembers: memberPubkeys}); err != nil {
		return nil, err
	}
	return pending, nil
}

// ProposeLeave builds and stores a pending commit removing the local member.
func (e *Engine) ProposeLeave(selfPubkey string) (*mls.PendingCommit, error) {
	if has, err := e.hasPendingCommit(); err != nil {
		return nil, err
	} else if has {
		return nil, burrowerr.New(burrowerr.PendingCommitExists, "group.ProposeLeave", "a pending commit already exists")
	}
	pending, err := e.mlsState.ProposeLeave()
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.ProtocolViolation, "group.ProposeLeave", err)
	}
	if err := e.storePending(pendingRecord{Commit: pending, RemovedMembers: []string{selfPubkey}}); err != nil {
		return nil, err
	}
	return pending, nil
}

// UpdateMetadata updates name/description/relays/avatar fields in place,
// without advancing the MLS epoch — metadata is Marmot-level, not
// cryptographic group state, so it has no commit of its own. It requires
// the same admin gate as membership changes, except in a direct-message
// group (exactly two members), where either party may update mutual
// display metadata with no distinguished "admin" role, per spec.md §4.3's
// direct-message optimisation. That exemption applies here only — it
// never extends to add_members/remove_members.
func (e *Engine) UpdateMetadata(actor string, name, description *string, relays []string, avatarRef *string) error {
	if len(e.record.Members) == 2 {
		if !e.record.IsMember(actor) {
			return burrowerr.New(burrowerr.Denied, "group.UpdateMetadata", "actor is not a group member")
		}
	} else if err := e.record.requireAdmin(actor); err != nil {
		return burrowerr.Wrap(burrowerr.Denied, "group.UpdateMetadata", err)
	}
	if name != nil {
		e.record.Name = *name
	}
	if description != nil {
		e.record.Description = *description
	}
	if relays != nil {
		e.record.Relays = relays
	}
	if avatarRef != nil {
		e.record.AvatarRef = *avatarRef
	}
	return e.persist()
}

// MergePending merges the locally stored pending commit into group state,
// called once the caller has confirmed the commit event was acknowledged
// by at least one relay (MIP-02 state-fork avoidance). A group's first
// merged commit promotes it from StatePending to StateActive, per
// spec.md §4.3; if instead this commit deactivated the local member's own
// leaf (a merged leave), the group transitions to StateInactive.
func (e *Engine) MergePending() error {
	pending, err := e.loadPending()
	if err != nil {
		if burrowerr.Is(err, burrowerr.NotFound) {
			return burrowerr.New(burrowerr.NoPendingCommit, "group.MergePending", "no pending commit to merge")
		}
		return err
	}

	e.mlsState.MergePending(pending.Commit)
	e.record.Epoch = e.mlsState.Epoch()
	e.record.Members = applyMembershipDelta(e.record.Members, pending)
	e.archive.Add(int(e.mlsState.Epoch()), e.mlsState.RawEpochSecret())
	e.archive.PruneToWindow()

	if !e.mlsState.IsOwnLeafActive() {
		e.record.Lifecycle = StateInactive
	} else if e.record.Lifecycle == StatePending {
		e.record.Lifecycle = StateActive
	}

	if err := e.clearPending(); err != nil {
		return err
	}
	return e.persist()
}

// applyMembershipDelta updates the Marmot-level member pubkey list in
// lockstep with the MLS leaf list mutation a pending commit applied.
func applyMembershipDelta(current []string, pending pendingRecord) []string {
	next := append([]string{}, current...)
	next = append(next, pending.AddedMembers...)
	if len(pending.RemovedMembers) == 0 {
		return next
	}
	removed := make(map[string]bool, len(pending.RemovedMembers))
	for _, m := range pending.RemovedMembers {
		removed[m] = true
	}
	filtered := next[:0]
	for _, m := range next {
		if !removed[m] {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// ResolveConflict implements the tie-breaking rule: when a commit for the
// current epoch is observed from another member (identified by its outer
// event id) before the local pending commit is acknowledged, the commit
// with the smaller outer event id wins. The loser's pending commit is
// discarded and the winning commit applied; RetryNeeded signals the caller
// to rebase its proposal onto the new epoch.
func (e *Engine) ResolveConflict(localOuterEventID, remoteOuterEventID string, remoteCommitBytes []byte) error {
	localWins := localOuterEventID < remoteOuterEventID
	if localWins {
		// Local commit will win once acknowledged; nothing to do yet.
		return nil
	}

	if err := e.clearPending(); err != nil {
		return err
	}
	if err := e.mlsState.ApplyCommit(remoteCommitBytes); err != nil {
		return burrowerr.Wrap(burrowerr.ProtocolViolation, "group.ResolveConflict", err)
	}
	// Record.Members reflects the winning remote commit only once the
	// caller re-derives it from that commit's own welcome/commit event
	// tags (the remote member pubkeys aren't carried in commitBytes
	// itself); this leaves epoch and MLS leaf state authoritative
	// immediately, with Members catching up on the caller's next sync.
	e.record.Epoch = e.mlsState.Epoch()
	e.archive.Add(int(e.mlsState.Epoch()), e.mlsState.RawEpochSecret())
	e.archive.PruneToWindow()
	if err := e.persist(); err != nil {
		return err
	}
	return burrowerr.New(burrowerr.RetryNeeded, "group.ResolveConflict", "local commit lost tie-break, rebase and retry")
}

// ExportSecret derives a labeled secret from the group's current epoch,
// used by the Message and Media pipelines.
func (e *Engine) ExportSecret(label string, context []byte, length int) []byte {
	return e.mlsState.ExportSecret(label, context, length)
}

// ExportSecretAt derives a labeled secret for a specific epoch, falling
// back to the Group Engine's archive when epoch is not the current one.
// Returns burrowerr.NotFound if epoch has aged out of the archive's
// retention window.
func (e *Engine) ExportSecretAt(epoch uint64, label string, context []byte, length int) ([]byte, error) {
	if epoch == e.mlsState.Epoch() {
		return e.mlsState.ExportSecret(label, context, length), nil
	}
	secret, err := e.ArchivedSecret(epoch)
	if err != nil {
		return nil, err
	}
	return mls.ExportSecretFromArchived(secret, label, context, length), nil
}

// Epoch returns the current MLS epoch.
func (e *Engine) Epoch() uint64 {
	return e.mlsState.Epoch()
}

// Sign signs data with the local member's MLS leaf signing key.
func (e *Engine) Sign(data []byte) []byte {
	return e.mlsState.Sign(data)
}

// ApplyRemoteCommit applies a commit published by another member, observed
// via the Message Pipeline's Commit classification. Grows the epoch
// archive exactly as MergePending does. A commit can only land for a given
// epoch once, so any local pending commit is necessarily built against a
// tree state this remote commit has now superseded; it is discarded and
// retryNeeded is true, signalling the caller to rebase its proposal onto
// the new epoch.
func (e *Engine) ApplyRemoteCommit(commitBytes []byte) (retryNeeded bool, err error) {
	if err := e.mlsState.ApplyCommit(commitBytes); err != nil {
		return false, burrowerr.Wrap(burrowerr.ProtocolViolation, "group.ApplyRemoteCommit", err)
	}
	e.record.Epoch = e.mlsState.Epoch()
	e.archive.Add(int(e.mlsState.Epoch()), e.mlsState.RawEpochSecret())
	e.archive.PruneToWindow()
	if !e.mlsState.IsOwnLeafActive() {
		e.record.Lifecycle = StateInactive
	}

	if has, err := e.hasPendingCommit(); err != nil {
		return false, err
	} else if has {
		if err := e.clearPending(); err != nil {
			return false, err
		}
		retryNeeded = true
	}

	if err := e.persist(); err != nil {
		return false, err
	}
	return retryNeeded, nil
}

// LeafSigPub returns the Ed25519 signing key MLS has bound to identity's
// leaf, for verifying a decrypted inner message's signature actually came
// from the member it claims to be from rather than trusting the outer
// Nostr author field alone.
func (e *Engine) LeafSigPub(identity string) (ed25519.PublicKey, bool) {
	return e.mlsState.LeafSigPub([]byte(identity))
}

// CreatedAt is a small helper for building outer event timestamps; kept
// here rather than duplicated across internal/message, internal/welcome
// and internal/signaling.
func CreatedAt() int64 {
	return time.Now().Unix()
}

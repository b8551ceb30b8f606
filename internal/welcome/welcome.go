// Package welcome implements the Welcome Pipeline (spec.md §4.4): turning a
// sealed kind-1059 envelope carrying a kind-444 welcome rumor into a pending
// group a caller can accept or decline, with wrapper-id deduplication so a
// relay replaying the same envelope never double-processes it.
//
// Grounded on internal/mls.JoinFromWelcome for the cryptographic join step
// and internal/wireevent.OpenRumor (itself grounded on nbd-wtf/go-nostr's
// nip44 subpackage) for the sealed-envelope unwrap; the pending/accept/
// decline bookkeeping has no teacher analogue and is grounded directly on
// spec.md's Welcome Pipeline module.
package welcome

import (
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/crypto"
	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/mls"
	"github.com/burrowmls/burrow/internal/store"
	"github.com/burrowmls/burrow/internal/wireevent"
)

// DefaultDeclinedTTL is how long a decline's dedup marker is retained
// before the same wrapper-id could in principle be reprocessed, matching
// Config.DeclinedWelcomeTTL's documented default.
const DefaultDeclinedTTL = 30 * 24 * time.Hour

// declinedNamespace and dedupNamespace are synthetic "group ids" used to
// namespace bookkeeping records that aren't about any one group within the
// shared CollectionWelcomes bucket.
const (
	declinedNamespace = "_declined"
	dedupNamespace    = "_processed"
	indexNamespace    = "_index"
)

// Outcome is the result of processing a sealed welcome envelope.
type Outcome string

const (
	OutcomeWelcome Outcome = "welcome"
	OutcomeIgnored Outcome = "ignored"
)

// ProcessResult reports what Process did with an envelope.
type ProcessResult struct {
	Outcome   Outcome
	WelcomeID string
}

// Payload is the inner rumor content: the MLS welcome artefact (itself
// ECIES-encrypted to the joiner's X25519 init key, the MLS-internal
// encryption layer crypto.EncryptWelcome implements) plus the Marmot-level
// group metadata a joiner needs to materialize a group.Record. Wrapping it
// a second time, inside the NIP-44 sealed envelope, means a relay operator
// who somehow obtained the Nostr-level decryption key still could not read
// the MLS welcome without also holding the joiner's leaf init key.
type Payload struct {
	ProtocolGroupID  string   `json:"protocol_group_id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Admins           []string `json:"admins"`
	Relays           []string `json:"relays"`
	Members          []string `json:"members"`
	EncryptedWelcome []byte   `json:"encrypted_welcome"`
}

// SealWelcomeBytes ECIES-encrypts the raw MLS welcome artefact to the
// invitee's X25519 init public key, producing the bytes that belong in
// Payload.EncryptedWelcome.
func SealWelcomeBytes(inviteeInitPub, welcomeBytes []byte) ([]byte, error) {
	sealed, err := crypto.EncryptWelcome(inviteeInitPub, welcomeBytes)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.CryptoFailure, "welcome.SealWelcomeBytes", err)
	}
	return sealed, nil
}

// BuildRumor wraps payload as an unsigned kind-444 rumor, ready for
// wireevent.SealRumor.
func BuildRumor(payload Payload) (*nostr.Event, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.InvalidInput, "welcome.BuildRumor", err)
	}
	return &nostr.Event{
		Kind:    wireevent.KindWelcomeRumor,
		Content: string(content),
	}, nil
}

// pendingWelcome is the on-disk record of an accepted-but-not-yet-acted-on
// welcome, keyed by ProtocolGroupID in CollectionWelcomes.
type pendingWelcome struct {
	WrapperID  string   `json:"wrapper_id"`
	Payload    Payload  `json:"payload"`
	ReceivedAt int64    `json:"received_at"`
}

type declinedMarker struct {
	ExpiresAt int64 `json:"expires_at"`
}

// Engine mediates the process/accept/decline state machine against the
// Persistent MLS Store.
type Engine struct {
	st *store.Store
}

// New builds a Welcome Pipeline bound to st.
func New(st *store.Store) *Engine {
	return &Engine{st: st}
}

// Process unwraps a sealed envelope addressed to recipientPrivHex and, if
// it carries an unseen welcome for a group not already active locally,
// stores it as pending. Reprocessing the same wrapperID is a no-op.
func (e *Engine) Process(wrapperID string, sealed *nostr.Event, recipientPrivHex string) (ProcessResult, error) {
	seen, err := e.wasProcessed(wrapperID)
	if err != nil {
		return ProcessResult{}, err
	}
	if seen {
		return ProcessResult{Outcome: OutcomeIgnored, WelcomeID: wrapperID}, nil
	}

	rumor, err := wireevent.OpenRumor(sealed, recipientPrivHex)
	if err != nil {
		return ProcessResult{}, burrowerr.Wrap(burrowerr.ProtocolViolation, "welcome.Process", err)
	}
	if rumor.Kind != wireevent.KindWelcomeRumor {
		return ProcessResult{}, burrowerr.New(burrowerr.InvalidInput, "welcome.Process", "rumor is not a welcome")
	}

	var payload Payload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return ProcessResult{}, burrowerr.Wrap(burrowerr.ProtocolViolation, "welcome.Process", err)
	}

	if err := e.markProcessed(wrapperID); err != nil {
		return ProcessResult{}, err
	}

	active, err := e.groupIsActive(payload.ProtocolGroupID)
	if err != nil {
		return ProcessResult{}, err
	}
	if active {
		return ProcessResult{Outcome: OutcomeIgnored, WelcomeID: wrapperID}, nil
	}

	pending := pendingWelcome{WrapperID: wrapperID, Payload: payload, ReceivedAt: time.Now().Unix()}
	data, err := json.Marshal(pending)
	if err != nil {
		return ProcessResult{}, burrowerr.Wrap(burrowerr.InvalidInput, "welcome.Process", err)
	}
	if err := e.st.Transaction([]store.Mutation{
		{Collection: store.CollectionWelcomes, GroupID: payload.ProtocolGroupID, Subkey: "pending", Value: data},
		{Collection: store.CollectionWelcomes, GroupID: indexNamespace, Subkey: wrapperID, Value: []byte(payload.ProtocolGroupID)},
	}); err != nil {
		return ProcessResult{}, err
	}

	return ProcessResult{Outcome: OutcomeWelcome, WelcomeID: wrapperID}, nil
}

// Accept transitions a pending welcome's group to active, joining the MLS
// group with leafKeys (the key package the member published was built
// from) and returning the now-materialized Group Engine.
func (e *Engine) Accept(welcomeID string, leafKeys mls.Keys) (*group.Engine, error) {
	groupID, err := e.resolveIndex(welcomeID)
	if err != nil {
		return nil, err
	}
	data, err := e.st.Get(store.CollectionWelcomes, groupID, "pending")
	if err != nil {
		return nil, err
	}
	var pending pendingWelcome
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, burrowerr.Wrap(burrowerr.StorageFailure, "welcome.Accept", err)
	}

	welcomeBytes, err := crypto.DecryptWelcome(leafKeys.InitPriv, pending.Payload.EncryptedWelcome)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.CryptoFailure, "welcome.Accept", err)
	}
	mlsState, err := mls.JoinFromWelcome(welcomeBytes, leafKeys)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.CryptoFailure, "welcome.Accept", err)
	}

	record := group.Record{
		ProtocolGroupID: pending.Payload.ProtocolGroupID,
		RoutingGroupID:  pending.Payload.ProtocolGroupID,
		Name:            pending.Payload.Name,
		Description:     pending.Payload.Description,
		Admins:          pending.Payload.Admins,
		Relays:          pending.Payload.Relays,
		Epoch:           mlsState.Epoch(),
		Members:         pending.Payload.Members,
		Lifecycle:       group.StateActive,
	}

	eng, err := group.Adopt(e.st, record, mlsState)
	if err != nil {
		return nil, err
	}

	if err := e.st.Transaction([]store.Mutation{
		{Collection: store.CollectionWelcomes, GroupID: groupID, Subkey: "pending", Value: nil},
		{Collection: store.CollectionWelcomes, GroupID: indexNamespace, Subkey: welcomeID, Value: nil},
	}); err != nil {
		return nil, err
	}
	return eng, nil
}

// Decline deletes the pending welcome but retains a dedup marker for
// DefaultDeclinedTTL so the same envelope cannot be re-accepted later.
func (e *Engine) Decline(welcomeID string) error {
	groupID, err := e.resolveIndex(welcomeID)
	if err != nil {
		return err
	}

	marker := declinedMarker{ExpiresAt: time.Now().Add(DefaultDeclinedTTL).Unix()}
	markerBytes, err := json.Marshal(marker)
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "welcome.Decline", err)
	}

	return e.st.Transaction([]store.Mutation{
		{Collection: store.CollectionWelcomes, GroupID: groupID, Subkey: "pending", Value: nil},
		{Collection: store.CollectionWelcomes, GroupID: indexNamespace, Subkey: welcomeID, Value: nil},
		{Collection: store.CollectionWelcomes, GroupID: declinedNamespace, Subkey: welcomeID, Value: markerBytes},
	})
}

// PendingWelcome is a pending welcome's CLI/caller-facing view.
type PendingWelcome struct {
	WelcomeID  string
	GroupID    string
	Name       string
	Admins     []string
	ReceivedAt int64
}

// ListPending returns every welcome currently awaiting Accept or Decline,
// sorted by wrapper id, via the indexNamespace's wrapperID -> groupID map.
func (e *Engine) ListPending() ([]PendingWelcome, error) {
	wrapperIDs, err := e.st.ListSubkeys(store.CollectionWelcomes, indexNamespace)
	if err != nil {
		return nil, err
	}
	pendings := make([]PendingWelcome, 0, len(wrapperIDs))
	for _, wrapperID := range wrapperIDs {
		groupID, err := e.resolveIndex(wrapperID)
		if err != nil {
			return nil, err
		}
		data, err := e.st.Get(store.CollectionWelcomes, groupID, "pending")
		if err != nil {
			return nil, err
		}
		var pending pendingWelcome
		if err := json.Unmarshal(data, &pending); err != nil {
			return nil, burrowerr.Wrap(burrowerr.StorageFailure, "welcome.ListPending", err)
		}
		pendings = append(pendings, PendingWelcome{
			WelcomeID:  wrapperID,
			GroupID:    pending.Payload.ProtocolGroupID,
			Name:       pending.Payload.Name,
			Admins:     pending.Payload.Admins,
			ReceivedAt: pending.ReceivedAt,
		})
	}
	return pendings, nil
}

func (e *Engine) resolveIndex(welcomeID string) (string, error) {
	data, err := e.st.Get(store.CollectionWelcomes, indexNamespace, welcomeID)
	if err != nil {
		if burrowerr.Is(err, burrowerr.NotFound) {
			return "", burrowerr.New(burrowerr.NotFound, "welcome.resolveIndex", "no pending welcome with that id")
		}
		return "", err
	}
	return string(data), nil
}

func (e *Engine) groupIsActive(groupID string) (bool, error) {
	data, err := e.st.Get(store.CollectionGroups, groupID, "record")
	if burrowerr.Is(err, burrowerr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var rec struct {
		Lifecycle group.LifecycleState `json:"lifecycle"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, burrowerr.Wrap(burrowerr.StorageFailure, "welcome.groupIsActive", err)
	}
	return rec.Lifecycle == group.StateActive, nil
}

func (e *Engine) wasProcessed(wrapperID string) (bool, error) {
	_, err := e.st.Get(store.CollectionWelcomes, dedupNamespace, wrapperID)
	if burrowerr.Is(err, burrowerr.NotFound) {
		return e.isDeclined(wrapperID)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) isDeclined(welcomeID string) (bool, error) {
	data, err := e.st.Get(store.CollectionWelcomes, declinedNamespace, welcomeID)
	if burrowerr.Is(err, burrowerr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var marker declinedMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return false, burrowerr.Wrap(burrowerr.StorageFailure, "welcome.isDeclined", err)
	}
	if time.Now().Unix() > marker.ExpiresAt {
		_ = e.st.Delete(store.CollectionWelcomes, declinedNamespace, welcomeID)
		return false, nil
	}
	return true, nil
}

func (e *Engine) markProcessed(wrapperID string) error {
	return e.st.Put(store.CollectionWelcomes, dedupNamespace, wrapperID, []byte{1})
}

// Package message implements the Message Pipeline (spec.md §4.5 and
// SPEC_FULL.md §4.5): the two-layer inner/outer encrypt-then-sign
// construction that turns application content into a kind-445 outer
// event, and the matching inbound decrypt/classify/persist path.
//
// The layering mirrors the teacher's internal/delta/pipeline.go envelope:
// an inner record is encrypted and signed, then concatenated into a wire
// form that a PublicKeyFunc-style lookup can later verify against the
// claimed author. Here the "file key" the teacher derives per path
// becomes two MLS-exporter-derived keys — one per layer — and the
// author's Ed25519 public key is resolved via the MLS leaf binding
// (group.Engine.LeafSigPub) rather than a flat keyring file.
package message

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/crypto"
	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/store"
	"github.com/burrowmls/burrow/internal/wireevent"
)

// Labels for the two exporter-derived layers, matching SPEC_FULL.md §4.5:
// the inner layer stands in for "MLS-encrypt the inner event under the
// group's current epoch", the outer layer is the symmetric construction
// keyed by the exporter secret that hides message shape from relays.
const (
	innerLabel = "burrow-inner-v1"
	outerLabel = "burrow-outer-v1"
)

const epochTagKey = "epoch"

// routingTagKey is the "h" tag spec.md §6 says every kind-445 event
// carries, so a relay subscription can filter by group without being able
// to decrypt anything (the routing id is deliberately distinct from the
// protocol group id the MLS layer uses internally).
const routingTagKey = "h"

// ApplicationKind distinguishes inner event payloads. Unlike the outer
// Nostr kind (always wireevent.KindGroupMessage), this is what the
// pipeline actually classifies on.
type ApplicationKind string

const (
	KindApplicationMessage ApplicationKind = "message"
	KindTyping             ApplicationKind = "typing"
	KindCommit             ApplicationKind = "commit"
	KindProposal           ApplicationKind = "proposal"
	KindExternalJoin       ApplicationKind = "external_join_proposal"
	// KindSignal carries Signaling Adapter payloads for group calls,
	// which ride the Message Pipeline rather than a sealed 1:1 envelope
	// (spec.md §4.7).
	KindSignal ApplicationKind = "signal"
)

// Outcome classifies the result of processing an inbound outer event,
// per spec.md §4.5 step 4.
type Outcome string

const (
	OutcomeApplicationMessage   Outcome = "application_message"
	OutcomeCommit               Outcome = "commit"
	OutcomeProposal             Outcome = "proposal"
	OutcomePendingProposal      Outcome = "pending_proposal"
	OutcomeIgnored              Outcome = "ignored"
	OutcomeExternalJoinProposal Outcome = "external_join_proposal"
	OutcomeUnprocessable        Outcome = "unprocessable"
	OutcomePreviouslyFailed     Outcome = "previously_failed"
)

// InnerEvent is the MLS-encrypted, leaf-signed payload carried inside the
// outer Nostr event. ID is a content hash (not a nostr.Event id, since the
// inner event is never itself published or signed by a real identity key
// in the outer-visible sense) and Sig binds it to the author's MLS leaf.
type InnerEvent struct {
	ID        string          `json:"id"`
	GroupID   string          `json:"group_id"`
	Author    string          `json:"author"`
	Kind      ApplicationKind `json:"kind"`
	Content   string          `json:"content"`
	Tags      [][]string      `json:"tags,omitempty"`
	CreatedAt int64           `json:"created_at"`
	// CommitBytes carries the published committed group state when
	// Kind == KindCommit; nil otherwise.
	CommitBytes []byte `json:"commit_bytes,omitempty"`
	Sig         []byte `json:"sig"`
}

func (inner InnerEvent) computeID() string {
	canonical, _ := json.Marshal([]any{
		inner.GroupID, inner.Author, string(inner.Kind), inner.Content, inner.Tags, inner.CreatedAt,
	})
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:])
}

// StoredMessage is the plaintext application message persisted to the
// Persistent MLS Store's messages collection.
type StoredMessage struct {
	GroupID      string          `json:"group_id"`
	InnerEventID string          `json:"inner_event_id"`
	Author       string          `json:"author"`
	Kind         ApplicationKind `json:"kind"`
	Content      string          `json:"content"`
	Tags         [][]string      `json:"tags,omitempty"`
	CreatedAt    int64           `json:"created_at"`
}

// ProcessResult reports what Process did with an inbound outer event.
type ProcessResult struct {
	Outcome     Outcome
	Message     *StoredMessage
	RetryNeeded bool
}

// Pipeline mediates send/process against the Persistent MLS Store.
type Pipeline struct {
	st *store.Store
}

// New builds a Message Pipeline bound to st.
func New(st *store.Store) *Pipeline {
	return &Pipeline{st: st}
}

// Send builds, encrypts and signs an outer event for content under eng's
// current epoch, persisting the plaintext immediately (step 5) before the
// caller publishes the returned event to a relay. Typing-indicator
// messages (kind == KindTyping) are never persisted.
func (p *Pipeline) Send(eng *group.Engine, authorIdentity string, kind ApplicationKind, content string, tags [][]string) (*nostr.Event, *StoredMessage, error) {
	outer, inner, err := p.sendInner(eng, InnerEvent{
		GroupID:   eng.Record().ProtocolGroupID,
		Author:    authorIdentity,
		Kind:      kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		return nil, nil, err
	}

	if kind == KindTyping {
		return outer, nil, nil
	}

	stored := StoredMessage{
		GroupID:      inner.GroupID,
		InnerEventID: inner.ID,
		Author:       inner.Author,
		Kind:         inner.Kind,
		Content:      inner.Content,
		Tags:         inner.Tags,
		CreatedAt:    inner.CreatedAt,
	}
	if err := p.storeMessage(stored); err != nil {
		return nil, nil, err
	}
	return outer, &stored, nil
}

// sendInner signs and double-encrypts inner, producing the outer event
// both Send and SendCommit publish. inner.ID/Sig are filled in here.
func (p *Pipeline) sendInner(eng *group.Engine, inner InnerEvent) (*nostr.Event, InnerEvent, error) {
	epoch := eng.Epoch()
	inner.ID = inner.computeID()
	inner.Sig = eng.Sign([]byte(inner.ID))

	innerPlain, err := json.Marshal(inner)
	if err != nil {
		return nil, InnerEvent{}, burrowerr.Wrap(burrowerr.InvalidInput, "message.sendInner", err)
	}

	innerKey := eng.ExportSecret(innerLabel, nil, crypto.AESKeySize)
	innerNonce, innerCT, err := crypto.AESGCMEncrypt(innerKey, innerPlain)
	if err != nil {
		return nil, InnerEvent{}, burrowerr.Wrap(burrowerr.CryptoFailure, "message.sendInner", err)
	}
	mlsCiphertext := append(innerNonce, innerCT...)

	outerKey := eng.ExportSecret(outerLabel, nil, crypto.AESKeySize)
	outerNonce, outerCT, err := crypto.AESGCMEncrypt(outerKey, mlsCiphertext)
	if err != nil {
		return nil, InnerEvent{}, burrowerr.Wrap(burrowerr.CryptoFailure, "message.sendInner", err)
	}
	outerPayload := append(outerNonce, outerCT...)

	ephemeralPriv := nostr.GeneratePrivateKey()
	ephemeralPub, err := nostr.GetPublicKey(ephemeralPriv)
	if err != nil {
		return nil, InnerEvent{}, burrowerr.Wrap(burrowerr.CryptoFailure, "message.sendInner", err)
	}
	outer := &nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: nostr.Timestamp(inner.CreatedAt),
		Kind:      wireevent.KindGroupMessage,
		Tags: nostr.Tags{
			{epochTagKey, strconv.FormatUint(epoch, 10)},
			{routingTagKey, eng.Record().RoutingGroupID},
		},
		Content: base64.StdEncoding.EncodeToString(outerPayload),
	}
	if err := outer.Sign(ephemeralPriv); err != nil {
		return nil, InnerEvent{}, burrowerr.Wrap(burrowerr.CryptoFailure, "message.sendInner", err)
	}
	return outer, inner, nil
}

// SendCommit encrypts and signs a published commit (the new committed
// group state a ProposeAddMembers/ProposeRemoveMembers/ProposeLeave call
// produced) for other members to apply via Process's KindCommit branch.
// It is encrypted under eng's epoch at call time — the pre-commit epoch
// still-unmerged members share — so the caller must build it before
// calling Engine.MergePending locally.
func (p *Pipeline) SendCommit(eng *group.Engine, authorIdentity string, commitBytes []byte) (*nostr.Event, error) {
	outer, _, err := p.sendInner(eng, InnerEvent{
		GroupID:     eng.Record().ProtocolGroupID,
		Author:      authorIdentity,
		Kind:        KindCommit,
		CreatedAt:   time.Now().Unix(),
		CommitBytes: commitBytes,
	})
	return outer, err
}

// Process implements spec.md §4.5's inbound steps 1-6: decrypt both
// layers (falling back one epoch on the outer layer), verify the inner
// signature against the claimed author's MLS leaf, classify and act.
func (p *Pipeline) Process(eng *group.Engine, outer *nostr.Event) (ProcessResult, error) {
	if failed, err := p.wasFailed(eng.Record().ProtocolGroupID, outer.ID); err != nil {
		return ProcessResult{}, err
	} else if failed {
		return ProcessResult{Outcome: OutcomePreviouslyFailed}, nil
	}

	epoch, ok := epochFromTags(outer.Tags)
	if !ok {
		return p.fail(eng, outer.ID, burrowerr.New(burrowerr.ProtocolViolation, "message.Process", "missing epoch tag"))
	}

	outerPayload, err := base64.StdEncoding.DecodeString(outer.Content)
	if err != nil {
		return p.fail(eng, outer.ID, burrowerr.Wrap(burrowerr.ProtocolViolation, "message.Process", err))
	}

	mlsCiphertext, decryptEpoch, err := decryptAtEpochOrPrevious(eng, epoch, outerLabel, outerPayload)
	if err != nil {
		return p.fail(eng, outer.ID, burrowerr.Wrap(burrowerr.CryptoFailure, "message.Process", err))
	}

	innerPlain, _, err := decryptAtEpochOrPrevious(eng, decryptEpoch, innerLabel, mlsCiphertext)
	if err != nil {
		return p.fail(eng, outer.ID, burrowerr.Wrap(burrowerr.CryptoFailure, "message.Process", err))
	}

	var inner InnerEvent
	if err := json.Unmarshal(innerPlain, &inner); err != nil {
		return p.fail(eng, outer.ID, burrowerr.Wrap(burrowerr.ProtocolViolation, "message.Process", err))
	}

	leafPub, ok := eng.LeafSigPub(inner.Author)
	if !ok || !crypto.Verify(leafPub, []byte(inner.ID), inner.Sig) || inner.computeID() != inner.ID {
		return p.fail(eng, outer.ID, burrowerr.New(burrowerr.ProtocolViolation, "message.Process", "inner signature does not match claimed author's MLS leaf"))
	}

	switch inner.Kind {
	case KindTyping:
		return ProcessResult{Outcome: OutcomeIgnored}, nil

	case KindCommit:
		retryNeeded, err := eng.ApplyRemoteCommit(inner.CommitBytes)
		if err != nil {
			return p.fail(eng, outer.ID, err)
		}
		return ProcessResult{Outcome: OutcomeCommit, RetryNeeded: retryNeeded}, nil

	case KindProposal:
		// The Group Engine commits proposals atomically rather than
		// staging them, so an inbound proposal is recorded for
		// visibility but not itself actionable yet.
		return ProcessResult{Outcome: OutcomePendingProposal}, nil

	case KindExternalJoin:
		return ProcessResult{Outcome: OutcomeExternalJoinProposal}, nil

	default:
		exists, err := p.hasMessage(inner.GroupID, inner.ID)
		if err != nil {
			return ProcessResult{}, err
		}
		if exists {
			return ProcessResult{Outcome: OutcomeIgnored}, nil
		}
		stored := StoredMessage{
			GroupID:      inner.GroupID,
			InnerEventID: inner.ID,
			Author:       inner.Author,
			Kind:         inner.Kind,
			Content:      inner.Content,
			Tags:         inner.Tags,
			CreatedAt:    inner.CreatedAt,
		}
		if err := p.storeMessage(stored); err != nil {
			return ProcessResult{}, err
		}
		return ProcessResult{Outcome: OutcomeApplicationMessage, Message: &stored}, nil
	}
}

// List returns a group's persisted application messages in ascending
// inner-timestamp order, ties broken by inner event id (spec.md §4.5).
func (p *Pipeline) List(groupID string) ([]StoredMessage, error) {
	subkeys, err := p.st.ListSubkeys(store.CollectionMessages, groupID)
	if err != nil {
		return nil, err
	}
	messages := make([]StoredMessage, 0, len(subkeys))
	for _, subkey := range subkeys {
		if !isMessageSubkey(subkey) {
			continue
		}
		data, err := p.st.Get(store.CollectionMessages, groupID, subkey)
		if err != nil {
			return nil, err
		}
		var m StoredMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, burrowerr.Wrap(burrowerr.StorageFailure, "message.List", err)
		}
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt != messages[j].CreatedAt {
			return messages[i].CreatedAt < messages[j].CreatedAt
		}
		return messages[i].InnerEventID < messages[j].InnerEventID
	})
	return messages, nil
}

const (
	messageSubkeyPrefix = "msg:"
	failedSubkeyPrefix  = "failed:"
)

func isMessageSubkey(subkey string) bool {
	return len(subkey) > len(messageSubkeyPrefix) && subkey[:len(messageSubkeyPrefix)] == messageSubkeyPrefix
}

func (p *Pipeline) storeMessage(m StoredMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "message.storeMessage", err)
	}
	return p.st.Put(store.CollectionMessages, m.GroupID, messageSubkeyPrefix+m.InnerEventID, data)
}

func (p *Pipeline) hasMessage(groupID, innerEventID string) (bool, error) {
	_, err := p.st.Get(store.CollectionMessages, groupID, messageSubkeyPrefix+innerEventID)
	if burrowerr.Is(err, burrowerr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) wasFailed(groupID, outerEventID string) (bool, error) {
	_, err := p.st.Get(store.CollectionMessages, groupID, failedSubkeyPrefix+outerEventID)
	if burrowerr.Is(err, burrowerr.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// fail marks outerEventID as failed so a retransmission short-circuits to
// PreviouslyFailed instead of re-attempting a decrypt that cannot
// succeed, and reports the Unprocessable classification. cause is not
// surfaced to the caller: a relay-visible outer event carries no
// information the sender could act on differently.
func (p *Pipeline) fail(eng *group.Engine, outerEventID string, cause error) (ProcessResult, error) {
	if putErr := p.st.Put(store.CollectionMessages, eng.Record().ProtocolGroupID, failedSubkeyPrefix+outerEventID, []byte{1}); putErr != nil {
		return ProcessResult{}, putErr
	}
	return ProcessResult{Outcome: OutcomeUnprocessable}, nil
}

func epochFromTags(tags nostr.Tags) (uint64, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == epochTagKey {
			n, err := strconv.ParseUint(t[1], 10, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// decryptAtEpochOrPrevious tries epoch's exporter-derived key first and,
// on authentication failure, the previous epoch's archived secret —
// spec.md §4.5 step 1's "falling back to the previous epoch if present".
// Returns the epoch that actually worked, so the caller can use the same
// one for the next layer.
func decryptAtEpochOrPrevious(eng *group.Engine, epoch uint64, label string, payload []byte) ([]byte, uint64, error) {
	if len(payload) < crypto.IVSize {
		return nil, 0, burrowerr.New(burrowerr.ProtocolViolation, "message.decryptAtEpochOrPrevious", "payload too short")
	}
	nonce, ct := payload[:crypto.IVSize], payload[crypto.IVSize:]

	if key, err := eng.ExportSecretAt(epoch, label, nil, crypto.AESKeySize); err == nil {
		if plain, err := crypto.AESGCMDecrypt(key, nonce, ct); err == nil {
			return plain, epoch, nil
		}
	}
	if epoch == 0 {
		return nil, 0, burrowerr.New(burrowerr.CryptoFailure, "message.decryptAtEpochOrPrevious", "decryption failed at epoch 0, no previous epoch to try")
	}
	prevEpoch := epoch - 1
	key, err := eng.ExportSecretAt(prevEpoch, label, nil, crypto.AESKeySize)
	if err != nil {
		return nil, 0, burrowerr.Wrap(burrowerr.CryptoFailure, "message.decryptAtEpochOrPrevious", err)
	}
	plain, err := crypto.AESGCMDecrypt(key, nonce, ct)
	if err != nil {
		return nil, 0, burrowerr.Wrap(burrowerr.CryptoFailure, "message.decryptAtEpochOrPrevious", err)
	}
	return plain, prevEpoch, nil
}

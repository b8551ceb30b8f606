// Package acl implements the Access-Control Evaluator (spec.md §4.9,
// SPEC_FULL.md §4.9): an owner-configurable allow-list deciding whether a
// sender may participate in a group, plus the audit trail of every
// decision.
//
// Grounded on original_source/cli/src/acl/access_control.rs's
// AccessControl (the is_allowed precedence: empty owner allows
// everything, the owner is always allowed, then allowed-contacts and
// allowed-groups) and audit.rs's AuditEntry shape, adapted from
// one-JSONL-file-per-day on disk to the capped appstate.Store ring
// (internal/appstate.Store.Append) that SPEC_FULL.md §4.9 specifies in
// place of it, with every decision also logged to the Evaluator's zerolog
// logger whatever mode the process runs in.
package acl

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowmls/burrow/internal/appstate"
	"github.com/burrowmls/burrow/internal/burrowerr"
)

// configKey namespaces the evaluator's own settings inside the shared
// CollectionProfiles bucket, the same synthetic-key convention
// internal/welcome uses for its bookkeeping records.
const configKey = "_acl_config"

// DefaultAuditCap bounds the audit log ring (spec.md §4.9's default
// 10,000 entries).
const DefaultAuditCap = 10000

// EntryType classifies an AuditEntry.
type EntryType string

const (
	EntryMessage      EntryType = "message"
	EntryAccessChange EntryType = "access_change"
)

// Settings mirrors the original's AclSettings.
type Settings struct {
	LogRejectedContent bool `json:"log_rejected_content"`
	AuditEnabled       bool `json:"audit_enabled"`
}

// Config is the evaluator's persisted policy.
type Config struct {
	Version         int      `json:"version"`
	OwnerHex        string   `json:"owner_hex"`
	AllowedContacts []string `json:"allowed_contacts"`
	AllowedGroups   []string `json:"allowed_groups"`
	Settings        Settings `json:"settings"`
}

func defaultConfig() Config {
	return Config{
		Version:  1,
		Settings: Settings{LogRejectedContent: false, AuditEnabled: true},
	}
}

// AuditEntry is one decision recorded to the capped audit-log ring.
type AuditEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Type         EntryType `json:"type"`
	SenderPubkey string    `json:"sender_pubkey,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	Allowed      bool      `json:"allowed"`
	Details      string    `json:"details,omitempty"`
}

// Evaluator answers is-allowed queries against a persisted Config and
// appends every decision to the audit log.
type Evaluator struct {
	state  *appstate.Store
	logger zerolog.Logger
	config Config
}

// Load reads the evaluator's config from state, falling back to
// defaultConfig if none has been saved yet.
func Load(state *appstate.Store, logger zerolog.Logger) (*Evaluator, error) {
	e := &Evaluator{state: state, logger: logger, config: defaultConfig()}
	data, err := state.Get(appstate.CollectionProfiles, configKey)
	if burrowerr.Is(err, burrowerr.NotFound) {
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &e.config); err != nil {
		return nil, burrowerr.Wrap(burrowerr.ProtocolViolation, "acl.Load", err)
	}
	return e, nil
}

func (e *Evaluator) save() error {
	data, err := json.Marshal(e.config)
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "acl.save", err)
	}
	return e.state.Put(appstate.CollectionProfiles, configKey, data)
}

// Config returns a copy of the evaluator's current policy.
func (e *Evaluator) Config() Config { return e.config }

// IsAllowed reports whether senderHex may participate in groupID, per
// original_source's precedence: no owner configured allows everything,
// the owner is always allowed, otherwise an allow-listed contact or
// group is required.
func (e *Evaluator) IsAllowed(senderHex, groupID string) bool {
	if e.config.OwnerHex == "" {
		return true
	}
	if senderHex == e.config.OwnerHex {
		return true
	}
	for _, c := range e.config.AllowedContacts {
		if c == senderHex {
			return true
		}
	}
	for _, g := range e.config.AllowedGroups {
		if g == groupID {
			return true
		}
	}
	return false
}

// EvaluateInbound checks an observed remote sender against groupID and
// records the decision, per SPEC_FULL.md §4.9: inbound checks use the
// sender as observed on the wire.
func (e *Evaluator) EvaluateInbound(senderHex, groupID string) bool {
	allowed := e.IsAllowed(senderHex, groupID)
	e.audit(senderHex, groupID, allowed, rejectionDetails(allowed, e.config.Settings.LogRejectedContent))
	return allowed
}

// EvaluateOutbound checks the local identity against groupID before
// sending, per SPEC_FULL.md §4.9: outbound checks use the local identity
// as sender.
func (e *Evaluator) EvaluateOutbound(localIdentityHex, groupID string) bool {
	allowed := e.IsAllowed(localIdentityHex, groupID)
	e.audit(localIdentityHex, groupID, allowed, "")
	return allowed
}

func rejectionDetails(allowed, logRejectedContent bool) string {
	if !allowed && logRejectedContent {
		return "rejected: sender not in owner, allowed-contacts or allowed-groups"
	}
	return ""
}

func (e *Evaluator) audit(sender, groupID string, allowed bool, details string) {
	if !e.config.Settings.AuditEnabled {
		return
	}
	e.appendEntry(AuditEntry{
		Timestamp:    time.Now(),
		Type:         EntryMessage,
		SenderPubkey: sender,
		GroupID:      groupID,
		Allowed:      allowed,
		Details:      details,
	})
	e.logger.Info().
		Str("sender", sender).
		Str("group_id", groupID).
		Bool("allowed", allowed).
		Msg("acl_decision")
}

func (e *Evaluator) appendEntry(entry AuditEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = e.state.Append(appstate.CollectionAuditLog, data, DefaultAuditCap)
}

func (e *Evaluator) logAccessChange(details string) {
	e.appendEntry(AuditEntry{
		Timestamp: time.Now(),
		Type:      EntryAccessChange,
		Allowed:   true,
		Details:   details,
	})
	e.logger.Info().Str("details", details).Msg("acl_access_change")
}

// AuditLog returns the newest limit entries of the audit ring in insertion
// order (oldest first); limit <= 0 returns every entry.
func (e *Evaluator) AuditLog(limit int) ([]AuditEntry, error) {
	keys, err := e.state.ListKeys(appstate.CollectionAuditLog, "")
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	entries := make([]AuditEntry, 0, len(keys))
	for _, k := range keys {
		data, err := e.state.Get(appstate.CollectionAuditLog, k)
		if err != nil {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetOwner sets the evaluator's owner hex, the sender that is always
// allowed regardless of allow-lists.
func (e *Evaluator) SetOwner(ownerHex string) error {
	e.config.OwnerHex = ownerHex
	if err := e.save(); err != nil {
		return err
	}
	e.logAccessChange("owner set")
	return nil
}

// AddContact adds hex to the allowed-contacts list if not already present.
func (e *Evaluator) AddContact(hex string) error {
	for _, c := range e.config.AllowedContacts {
		if c == hex {
			return nil
		}
	}
	e.config.AllowedContacts = append(e.config.AllowedContacts, hex)
	if err := e.save(); err != nil {
		return err
	}
	e.logAccessChange("added contact " + hex)
	return nil
}

// RemoveContact removes hex from the allowed-contacts list, reporting
// whether it was present.
func (e *Evaluator) RemoveContact(hex string) (bool, error) {
	kept := e.config.AllowedContacts[:0]
	removed := false
	for _, c := range e.config.AllowedContacts {
		if c == hex {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	e.config.AllowedContacts = kept
	if !removed {
		return false, nil
	}
	if err := e.save(); err != nil {
		return false, err
	}
	e.logAccessChange("removed contact " + hex)
	return true, nil
}

// AddGroup adds groupID to the allowed-groups list if not already present.
func (e *Evaluator) AddGroup(groupID string) error {
	for _, g := range e.config.AllowedGroups {
		if g == groupID {
			return nil
		}
	}
	e.config.AllowedGroups = append(e.config.AllowedGroups, groupID)
	if err := e.save(); err != nil {
		return err
	}
	e.logAccessChange("added group " + groupID)
	return nil
}

// RemoveGroup removes groupID from the allowed-groups list, reporting
// whether it was present.
func (e *Evaluator) RemoveGroup(groupID string) (bool, error) {
	kept := e.config.AllowedGroups[:0]
	removed := false
	for _, g := range e.config.AllowedGroups {
		if g == groupID {
			removed = true
			continue
		}
		kept = append(kept, g)
	}
	e.config.AllowedGroups = kept
	if !removed {
		return false, nil
	}
	if err := e.save(); err != nil {
		return false, err
	}
	e.logAccessChange("removed group " + groupID)
	return true, nil
}

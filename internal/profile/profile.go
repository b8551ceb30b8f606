// Package profile implements the Profile & Contacts Cache (spec.md §3's
// Profile type, overview item 5): a local index of follow-graph and
// profile metadata refreshed from kind-0 (metadata) and kind-3 (contacts)
// events observed on the Relay Pool.
//
// Grounded on the teacher's internal/storage/dir.go record shape (one
// small struct written and read as a whole, keyed by an id) — here
// generalized from a per-member TOML file to a JSON record in the
// appstate.Store's CollectionProfiles/CollectionContacts buckets, keyed
// by pubkey hex, matching DESIGN.md's existing ledger entry for this
// module.
package profile

import (
	"encoding/json"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/appstate"
	"github.com/burrowmls/burrow/internal/burrowerr"
)

// Profile is a cached view of a public key's kind-0 metadata, per
// spec.md §3's Profile type.
type Profile struct {
	PubkeyHex   string `json:"pubkey_hex"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LastSeen    int64  `json:"last_seen"`
}

// Contact is one entry in the local follow graph (kind-3 contacts list).
type Contact struct {
	PubkeyHex string `json:"pubkey_hex"`
	Petname   string `json:"petname,omitempty"`
	AddedAt   int64  `json:"added_at"`
}

// metadataContent is the kind-0 event content's JSON shape (NIP-01).
type metadataContent struct {
	Name    string `json:"name"`
	Picture string `json:"picture"`
	NIP05   string `json:"nip05"`
}

// Cache mediates reads/writes against the appstate Store's profile and
// contact collections.
type Cache struct {
	state *appstate.Store
}

// New builds a Cache bound to state.
func New(state *appstate.Store) *Cache {
	return &Cache{state: state}
}

// UpsertProfile stores or replaces a profile record.
func (c *Cache) UpsertProfile(p Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "profile.UpsertProfile", err)
	}
	return c.state.Put(appstate.CollectionProfiles, p.PubkeyHex, data)
}

// GetProfile returns the cached profile for pubkeyHex, if any.
func (c *Cache) GetProfile(pubkeyHex string) (Profile, bool, error) {
	data, err := c.state.Get(appstate.CollectionProfiles, pubkeyHex)
	if burrowerr.Is(err, burrowerr.NotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, false, burrowerr.Wrap(burrowerr.ProtocolViolation, "profile.GetProfile", err)
	}
	return p, true, nil
}

// ListProfiles returns every cached profile, sorted by pubkey hex.
func (c *Cache) ListProfiles() ([]Profile, error) {
	keys, err := c.state.ListKeys(appstate.CollectionProfiles, "")
	if err != nil {
		return nil, err
	}
	profiles := make([]Profile, 0, len(keys))
	for _, k := range keys {
		if isSyntheticKey(k) {
			continue
		}
		p, ok, err := c.GetProfile(k)
		if err != nil {
			return nil, err
		}
		if ok {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

// ApplyMetadataEvent updates the profile cache from an inbound kind-0
// event, using the event's own created-at as the entry's last-seen
// timestamp, and discarding it if a newer metadata event for the same
// pubkey is already cached.
func (c *Cache) ApplyMetadataEvent(evt *nostr.Event) error {
	if evt.Kind != 0 {
		return burrowerr.New(burrowerr.InvalidInput, "profile.ApplyMetadataEvent", "expected kind 0")
	}
	var content metadataContent
	if err := json.Unmarshal([]byte(evt.Content), &content); err != nil {
		return burrowerr.Wrap(burrowerr.ProtocolViolation, "profile.ApplyMetadataEvent", err)
	}

	existing, ok, err := c.GetProfile(evt.PubKey)
	if err != nil {
		return err
	}
	if ok && existing.LastSeen > int64(evt.CreatedAt) {
		return nil
	}

	return c.UpsertProfile(Profile{
		PubkeyHex:   evt.PubKey,
		DisplayName: content.Name,
		AvatarURL:   content.Picture,
		NIP05:       content.NIP05,
		LastSeen:    int64(evt.CreatedAt),
	})
}

// AddContact adds pubkeyHex to the local follow graph, if not already
// present.
func (c *Cache) AddContact(pubkeyHex, petname string, addedAt int64) error {
	if _, ok, err := c.getContact(pubkeyHex); err != nil {
		return err
	} else if ok {
		return nil
	}
	data, err := json.Marshal(Contact{PubkeyHex: pubkeyHex, Petname: petname, AddedAt: addedAt})
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "profile.AddContact", err)
	}
	return c.state.Put(appstate.CollectionContacts, pubkeyHex, data)
}

// RemoveContact removes pubkeyHex from the follow graph, reporting
// whether it was present.
func (c *Cache) RemoveContact(pubkeyHex string) (bool, error) {
	_, ok, err := c.getContact(pubkeyHex)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := c.state.Delete(appstate.CollectionContacts, pubkeyHex); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) getContact(pubkeyHex string) (Contact, bool, error) {
	data, err := c.state.Get(appstate.CollectionContacts, pubkeyHex)
	if burrowerr.Is(err, burrowerr.NotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	var ct Contact
	if err := json.Unmarshal(data, &ct); err != nil {
		return Contact{}, false, burrowerr.Wrap(burrowerr.ProtocolViolation, "profile.getContact", err)
	}
	return ct, true, nil
}

// ListContacts returns the full follow graph, sorted by pubkey hex.
func (c *Cache) ListContacts() ([]Contact, error) {
	keys, err := c.state.ListKeys(appstate.CollectionContacts, "")
	if err != nil {
		return nil, err
	}
	contacts := make([]Contact, 0, len(keys))
	for _, k := range keys {
		ct, ok, err := c.getContact(k)
		if err != nil {
			return nil, err
		}
		if ok {
			contacts = append(contacts, ct)
		}
	}
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].PubkeyHex < contacts[j].PubkeyHex })
	return contacts, nil
}

// ApplyContactsEvent replaces the follow graph with the "p"-tagged
// pubkeys of an inbound kind-3 event, the full-replacement semantics
// NIP-02 contact lists use (a later kind-3 event supersedes the entire
// prior list, it does not merge with it).
func (c *Cache) ApplyContactsEvent(evt *nostr.Event) error {
	if evt.Kind != 3 {
		return burrowerr.New(burrowerr.InvalidInput, "profile.ApplyContactsEvent", "expected kind 3")
	}
	existing, err := c.ListContacts()
	if err != nil {
		return err
	}
	for _, ct := range existing {
		if err := c.state.Delete(appstate.CollectionContacts, ct.PubkeyHex); err != nil {
			return err
		}
	}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		petname := ""
		if len(tag) >= 4 {
			petname = tag[3]
		}
		if err := c.AddContact(tag[1], petname, int64(evt.CreatedAt)); err != nil {
			return err
		}
	}
	return nil
}

func isSyntheticKey(key string) bool {
	return len(key) > 0 && key[0] == '_'
}

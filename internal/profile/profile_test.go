package profile

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/appstate"
)

func openTestState(t *testing.T) *appstate.Store {
	t.Helper()
	st, err := appstate.Open(t.TempDir() + "/app_state.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestUpsertAndGetProfile(t *testing.T) {
	c := New(openTestState(t))
	p := Profile{PubkeyHex: "abc123", DisplayName: "Alice", LastSeen: 100}
	if err := c.UpsertProfile(p); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.GetProfile("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.DisplayName != "Alice" {
		t.Fatalf("got %+v, want Alice profile", got)
	}
}

func TestApplyMetadataEventIgnoresStaleUpdates(t *testing.T) {
	c := New(openTestState(t))
	content, _ := json.Marshal(metadataContent{Name: "Alice", Picture: "https://example/a.png"})
	fresh := &nostr.Event{PubKey: "abc123", Kind: 0, CreatedAt: 200, Content: string(content)}
	if err := c.ApplyMetadataEvent(fresh); err != nil {
		t.Fatal(err)
	}

	staleContent, _ := json.Marshal(metadataContent{Name: "Old Alice"})
	stale := &nostr.Event{PubKey: "abc123", Kind: 0, CreatedAt: 100, Content: string(staleContent)}
	if err := c.ApplyMetadataEvent(stale); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.GetProfile("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.DisplayName != "Alice" {
		t.Fatalf("a stale metadata event must not overwrite a newer cached profile, got %+v", got)
	}
}

func TestAddRemoveContact(t *testing.T) {
	c := New(openTestState(t))
	if err := c.AddContact("bob-hex", "Bob", 1); err != nil {
		t.Fatal(err)
	}
	contacts, err := c.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].PubkeyHex != "bob-hex" {
		t.Fatalf("contacts = %+v, want [bob-hex]", contacts)
	}

	removed, err := c.RemoveContact("bob-hex")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("expected RemoveContact to report bob-hex was present")
	}
	contacts, err = c.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 0 {
		t.Fatalf("contacts = %+v, want empty after removal", contacts)
	}
}

func TestApplyContactsEventReplacesFollowGraph(t *testing.T) {
	c := New(openTestState(t))
	if err := c.AddContact("stale-hex", "Stale", 1); err != nil {
		t.Fatal(err)
	}

	evt := &nostr.Event{
		Kind:      3,
		CreatedAt: 500,
		Tags: nostr.Tags{
			{"p", "alice-hex", "", "Alice"},
			{"p", "bob-hex"},
		},
	}
	if err := c.ApplyContactsEvent(evt); err != nil {
		t.Fatal(err)
	}

	contacts, err := c.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Fatalf("contacts = %+v, want exactly alice-hex and bob-hex", contacts)
	}
	if contacts[0].PubkeyHex != "alice-hex" || contacts[0].Petname != "Alice" {
		t.Fatalf("contacts[0] = %+v, want alice-hex/Alice", contacts[0])
	}
}

func TestListProfilesExcludesSyntheticKeys(t *testing.T) {
	st := openTestState(t)
	c := New(st)
	if err := c.UpsertProfile(Profile{PubkeyHex: "abc123", LastSeen: 1}); err != nil {
		t.Fatal(err)
	}
	// Simulate a synthetic bookkeeping key living in the same bucket, the
	// way internal/acl stores its config under CollectionProfiles.
	if err := st.Put(appstate.CollectionProfiles, "_acl_config", []byte("{}")); err != nil {
		t.Fatal(err)
	}

	profiles, err := c.ListProfiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 || profiles[0].PubkeyHex != "abc123" {
		t.Fatalf("profiles = %+v, want only abc123", profiles)
	}
}

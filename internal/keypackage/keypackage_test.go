package keypackage

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/burrowerr"
)

func TestGenerateProducesUsableBundle(t *testing.T) {
	bundle, err := Generate("deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.KeyPackage.SigPub) == 0 {
		t.Error("expected non-empty sig pub in key package")
	}
	if string(bundle.KeyPackage.Identity) != "deadbeef" {
		t.Errorf("identity = %q", bundle.KeyPackage.Identity)
	}
}

func TestBuildAndParseEventRoundtrip(t *testing.T) {
	bundle, _ := Generate("deadbeef")
	evt, err := BuildEvent("deadbeef", bundle.KeyPackage, nostr.Timestamp(1000))
	if err != nil {
		t.Fatal(err)
	}
	if evt.Kind != KindKeyPackage {
		t.Errorf("kind = %d, want %d", evt.Kind, KindKeyPackage)
	}

	parsed, err := ParseEvent(evt)
	if err != nil {
		t.Fatal(err)
	}
	if string(parsed.SigPub) != string(bundle.KeyPackage.SigPub) {
		t.Error("parsed key package should match original")
	}
}

func TestParseEventWrongKind(t *testing.T) {
	evt := &nostr.Event{Kind: 1}
	_, err := ParseEvent(evt)
	if !burrowerr.Is(err, burrowerr.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestFetchNewestPicksLatestByCreatedAt(t *testing.T) {
	older := &nostr.Event{CreatedAt: nostr.Timestamp(100)}
	newer := &nostr.Event{CreatedAt: nostr.Timestamp(200)}
	middle := &nostr.Event{CreatedAt: nostr.Timestamp(150)}

	got, err := FetchNewest([]*nostr.Event{older, newer, middle})
	if err != nil {
		t.Fatal(err)
	}
	if got != newer {
		t.Error("FetchNewest should pick the event with the largest CreatedAt")
	}
}

func TestFetchNewestEmpty(t *testing.T) {
	_, err := FetchNewest(nil)
	if !burrowerr.Is(err, burrowerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

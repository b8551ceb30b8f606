package wireevent

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/burrowerr"
)

func TestSealAndOpenRumorRoundtrip(t *testing.T) {
	senderPriv := nostr.GeneratePrivateKey()
	recipientPriv := nostr.GeneratePrivateKey()
	recipientPub, err := nostr.GetPublicKey(recipientPriv)
	if err != nil {
		t.Fatal(err)
	}

	rumor := &nostr.Event{
		Kind:    KindWelcomeRumor,
		Content: "welcome payload",
	}

	sealed, err := SealRumor(rumor, senderPriv, recipientPub, nostr.Timestamp(1000))
	if err != nil {
		t.Fatal(err)
	}
	if sealed.Kind != KindSealedEnvelope {
		t.Errorf("sealed kind = %d, want %d", sealed.Kind, KindSealedEnvelope)
	}
	if sealed.PubKey == "" {
		t.Error("sealed envelope should be signed by an ephemeral key")
	}

	opened, err := OpenRumor(sealed, recipientPriv)
	if err != nil {
		t.Fatal(err)
	}
	if opened.Content != "welcome payload" {
		t.Errorf("opened content = %q", opened.Content)
	}
	if opened.Kind != KindWelcomeRumor {
		t.Errorf("opened kind = %d, want %d", opened.Kind, KindWelcomeRumor)
	}
}

func TestOpenRumorWrongRecipientFails(t *testing.T) {
	senderPriv := nostr.GeneratePrivateKey()
	recipientPriv := nostr.GeneratePrivateKey()
	recipientPub, _ := nostr.GetPublicKey(recipientPriv)

	rumor := &nostr.Event{Kind: KindWelcomeRumor, Content: "secret"}
	sealed, err := SealRumor(rumor, senderPriv, recipientPub, nostr.Timestamp(1000))
	if err != nil {
		t.Fatal(err)
	}

	wrongPriv := nostr.GeneratePrivateKey()
	_, err = OpenRumor(sealed, wrongPriv)
	if err == nil {
		t.Fatal("expected error opening rumor with the wrong recipient key")
	}
}

func TestOpenRumorWrongKind(t *testing.T) {
	evt := &nostr.Event{Kind: KindGroupMessage}
	_, err := OpenRumor(evt, nostr.GeneratePrivateKey())
	if !burrowerr.Is(err, burrowerr.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

package signaling

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/message"
	"github.com/burrowmls/burrow/internal/mls"
	"github.com/burrowmls/burrow/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbKey := bytes.Repeat([]byte{0x55}, 32)
	path := filepath.Join(t.TempDir(), "burrow.db")
	st, err := store.Open(path, dbKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func twoMemberGroup(t *testing.T) (alice *group.Engine, bob *group.Engine) {
	t.Helper()
	aliceSt := openTestStore(t)
	bobSt := openTestStore(t)

	aliceKeys, err := mls.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	alice, err = group.Create(aliceSt, "g1", "call group", "a test group", []string{"alice"}, nil, []byte("alice"), aliceKeys)
	if err != nil {
		t.Fatal(err)
	}

	bobKeys, err := mls.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	bobKP := mls.BuildKeyPackage([]byte("bob"), bobKeys)
	pending, err := alice.ProposeAddMembers("alice", []mls.KeyPackageData{bobKP}, []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.MergePending(); err != nil {
		t.Fatal(err)
	}

	bobMLSState, err := mls.JoinFromWelcome(pending.WelcomeBytes[0], bobKeys)
	if err != nil {
		t.Fatal(err)
	}
	bobRecord := group.Record{
		ProtocolGroupID: "g1",
		RoutingGroupID:  "g1",
		Name:            "call group",
		Description:     "a test group",
		Admins:          []string{"alice"},
		Epoch:           bobMLSState.Epoch(),
		Members:         []string{"alice", "bob"},
		Lifecycle:       group.StateActive,
	}
	bob, err = group.Adopt(bobSt, bobRecord, bobMLSState)
	if err != nil {
		t.Fatal(err)
	}
	return alice, bob
}

func TestDirectSendReceiveRoundtrip(t *testing.T) {
	alicePriv := nostr.GeneratePrivateKey()
	bobPriv := nostr.GeneratePrivateKey()
	bobPub, err := nostr.GetPublicKey(bobPriv)
	if err != nil {
		t.Fatal(err)
	}

	outer, err := SendDirect(alicePriv, bobPub, KindOffer, "call-1", "v=0 sdp-body")
	if err != nil {
		t.Fatal(err)
	}

	payload, ok, err := ReceiveDirect(outer, bobPriv)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a fresh envelope to be accepted")
	}
	if payload.Kind != KindOffer || payload.CallID != "call-1" || payload.Body != "v=0 sdp-body" {
		t.Fatalf("payload = %+v, want offer/call-1/v=0 sdp-body", payload)
	}
}

func TestPayloadExpiry(t *testing.T) {
	payload := Payload{Kind: KindRinging, CallID: "call-2", CreatedAt: time.Now().Unix()}

	if payload.expired(time.Unix(payload.CreatedAt, 0).Add(Expiry - time.Second)) {
		t.Fatal("payload should still be valid just under the expiry window")
	}
	if !payload.expired(time.Unix(payload.CreatedAt, 0).Add(Expiry + time.Second)) {
		t.Fatal("payload should be expired just past the expiry window")
	}
}

func TestGroupSendReceiveRoundtrip(t *testing.T) {
	alice, bob := twoMemberGroup(t)
	aliceSt := openTestStore(t)
	bobSt := openTestStore(t)
	pAlice := message.New(aliceSt)
	pBob := message.New(bobSt)

	outer, err := SendGroup(pAlice, alice, "alice", KindAnswer, "call-3", "v=0 answer-body")
	if err != nil {
		t.Fatal(err)
	}

	result, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}

	payload, ok, err := ReceiveGroup(result)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a signal application message to be recognized")
	}
	if payload.Kind != KindAnswer || payload.CallID != "call-3" {
		t.Fatalf("payload = %+v, want answer/call-3", payload)
	}
}

func TestGroupReceiveIgnoresNonSignalMessages(t *testing.T) {
	alice, bob := twoMemberGroup(t)
	aliceSt := openTestStore(t)
	bobSt := openTestStore(t)
	pAlice := message.New(aliceSt)
	pBob := message.New(bobSt)

	outer, _, err := pAlice.Send(alice, "alice", message.KindApplicationMessage, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}

	_, ok, err := ReceiveGroup(result)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a plain application message must not be recognized as a signal")
	}
}

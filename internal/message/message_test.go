package message

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/mls"
	"github.com/burrowmls/burrow/internal/store"
)

func errIsNoPendingCommit(err error) bool {
	return burrowerr.Is(err, burrowerr.NoPendingCommit)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbKey := bytes.Repeat([]byte{0x77}, 32)
	path := filepath.Join(t.TempDir(), "burrow.db")
	st, err := store.Open(path, dbKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// twoMemberGroup builds an "alice" group, adds "bob" and merges the
// commit on alice's side, then materializes bob's own Engine from the
// resulting welcome so both parties have an independently loadable view
// of the same group.
func twoMemberGroup(t *testing.T) (alice *group.Engine, bob *group.Engine) {
	t.Helper()
	aliceSt := openTestStore(t)
	bobSt := openTestStore(t)

	aliceKeys, err := mls.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	alice, err = group.Create(aliceSt, "g1", "test group", "a test group", []string{"alice"}, nil, []byte("alice"), aliceKeys)
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
		Name:            "test group",
		Description:     "a test group",
		Admins:          []string{"alice"},
		Relays:          nil,
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

func TestSendAndProcessRoundtrip(t *testing.T) {
	alice, bob := twoMemberGroup(t)

	aliceSt := openTestStore(t)
	bobSt := openTestStore(t)
	pAlice := New(aliceSt)
	pBob := New(bobSt)

	outer, stored, err := pAlice.Send(alice, "alice", KindApplicationMessage, "hello bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Content != "hello bob" {
		t.Fatalf("expected sender-side stored message, got %+v", stored)
	}

	result, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeApplicationMessage {
		t.Fatalf("outcome = %q, want application_message", result.Outcome)
	}
	if result.Message == nil || result.Message.Content != "hello bob" || result.Message.Author != "alice" {
		t.Fatalf("unexpected stored message: %+v", result.Message)
	}

	messages, err := pBob.List("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].InnerEventID != result.Message.InnerEventID {
		t.Fatalf("List should surface the persisted message, got %+v", messages)
	}
}

func TestProcessDuplicateInnerEventIsIgnored(t *testing.T) {
	alice, bob := twoMemberGroup(t)
	pAlice := New(openTestStore(t))
	pBob := New(openTestStore(t))

	outer, _, err := pAlice.Send(alice, "alice", KindApplicationMessage, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}

	first, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != OutcomeApplicationMessage {
		t.Fatalf("first process outcome = %q", first.Outcome)
	}

	second, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != OutcomeIgnored {
		t.Fatalf("reprocessing the same message should be ignored, got %q", second.Outcome)
	}
}

func TestProcessTypingIsNotPersisted(t *testing.T) {
	alice, bob := twoMemberGroup(t)
	pAlice := New(openTestStore(t))
	pBob := New(openTestStore(t))

	outer, stored, err := pAlice.Send(alice, "alice", KindTyping, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if stored != nil {
		t.Fatal("typing indicators should not be persisted on send")
	}

	result, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", result.Outcome)
	}

	messages, err := pBob.List("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Fatal("typing indicators should not appear in List")
	}
}

func TestProcessFallsBackToPreviousEpoch(t *testing.T) {
	alice, bob := twoMemberGroup(t)
	pAlice := New(openTestStore(t))
	pBob := New(openTestStore(t))

	outer, _, err := pAlice.Send(alice, "alice", KindApplicationMessage, "still epoch 1", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Tamper the epoch tag to look one ahead of where the message was
	// actually encrypted, forcing Process through its previous-epoch
	// fallback path.
	for i, tag := range outer.Tags {
		if len(tag) >= 2 && tag[0] == epochTagKey {
			outer.Tags[i][1] = "2"
		}
	}

	result, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeApplicationMessage {
		t.Fatalf("outcome = %q, want application_message via epoch fallback", result.Outcome)
	}
}

func TestProcessUnknownAuthorIsUnprocessableThenPreviouslyFailed(t *testing.T) {
	alice, _ := twoMemberGroup(t)
	pAlice := New(openTestStore(t))

	// A second, unrelated group: it shares none of alice's group's
	// exporter secrets, so the envelope can never be decrypted.
	strangerSt := openTestStore(t)
	strangerKeys, err := mls.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	stranger, err := group.Create(strangerSt, "g1", "other group", "", []string{"carol"}, nil, []byte("carol"), strangerKeys)
	if err != nil {
		t.Fatal(err)
	}
	pStranger := New(strangerSt)

	outer, _, err := pAlice.Send(alice, "alice", KindApplicationMessage, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}

	first, err := pStranger.Process(stranger, outer)
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != OutcomeUnprocessable {
		t.Fatalf("outcome = %q, want unprocessable", first.Outcome)
	}

	second, err := pStranger.Process(stranger, outer)
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != OutcomePreviouslyFailed {
		t.Fatalf("outcome = %q, want previously_failed on retry", second.Outcome)
	}
}

func TestProcessCommitAdvancesEpoch(t *testing.T) {
	alice, bob := twoMemberGroup(t)
	pAlice := New(openTestStore(t))
	pBob := New(openTestStore(t))

	startEpoch := bob.Epoch()

	pending, err := alice.ProposeRemoveMembers("alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	commitBytes, err := pending.CommitBytes()
	if err != nil {
		t.Fatal(err)
	}
	// Build the commit event before merging locally: it is encrypted
	// under the pre-commit epoch that bob, who hasn't seen it yet,
	// still shares with alice.
	outer, err := pAlice.SendCommit(alice, "alice", commitBytes)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.MergePending(); err != nil {
		t.Fatal(err)
	}

	result, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeCommit {
		t.Fatalf("outcome = %q, want commit", result.Outcome)
	}
	if result.RetryNeeded {
		t.Fatal("bob had no local pending commit, retry should not be needed")
	}
	if bob.Epoch() != startEpoch+1 {
		t.Fatalf("bob's epoch = %d, want %d", bob.Epoch(), startEpoch+1)
	}
}

func TestProcessCommitDiscardsStaleLocalPending(t *testing.T) {
	alice, bob := twoMemberGroup(t)
	pAlice := New(openTestStore(t))
	pBob := New(openTestStore(t))

	// Bob starts his own proposal before alice's commit arrives.
	if _, err := bob.ProposeLeave("bob"); err != nil {
		t.Fatal(err)
	}

	pending, err := alice.ProposeRemoveMembers("alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	commitBytes, err := pending.CommitBytes()
	if err != nil {
		t.Fatal(err)
	}
	outer, err := pAlice.SendCommit(alice, "alice", commitBytes)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.MergePending(); err != nil {
		t.Fatal(err)
	}

	result, err := pBob.Process(bob, outer)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeCommit {
		t.Fatalf("outcome = %q, want commit", result.Outcome)
	}
	if !result.RetryNeeded {
		t.Fatal("bob's stale local pending commit should trigger RetryNeeded")
	}

	if err := bob.MergePending(); !errIsNoPendingCommit(err) {
		t.Fatalf("bob's pending commit should have been discarded, got %v", err)
	}
}

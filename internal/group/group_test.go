package group

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/mls"
	"github.com/burrowmls/burrow/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbKey := bytes.Repeat([]byte{0x42}, 32)
	path := filepath.Join(t.TempDir(), "burrow.db")
	st, err := store.Open(path, dbKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestGroup(t *testing.T, st *store.Store, groupID, creator string, admins []string) (*Engine, mls.Keys) {
	t.Helper()
	keys, err := mls.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	e, err := Create(st, groupID, "test group", "a test group", admins, []string{"wss://relay.example"}, []byte(creator), keys)
	if err != nil {
		t.Fatal(err)
	}
	return e, keys
}

func TestCreateGroupInitialRecord(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	r := e.Record()
	if r.Lifecycle != StatePending {
		t.Errorf("lifecycle = %q, want pending", r.Lifecycle)
	}
	if r.Epoch != 0 {
		t.Errorf("epoch = %d, want 0", r.Epoch)
	}
	if !r.IsMember("alice") || !r.IsAdmin("alice") {
		t.Error("creator should be a member and admin")
	}
}

func TestLoadRoundtrip(t *testing.T) {
	st := openTestStore(t)
	e, keys := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	loaded, err := Load(st, "g1", keys.SigPriv)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Record().Name != e.Record().Name {
		t.Error("loaded record should match original")
	}
	if loaded.Epoch() != e.Epoch() {
		t.Error("loaded epoch should match original")
	}
}

func TestProposeAddMembersRequiresAdmin(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})
	// Extra members; membership changes are admin-gated whatever the group size.
	e.record.Members = append(e.record.Members, "bob", "carol")

	bobKeys, _ := mls.GenerateKeys()
	kp := mls.BuildKeyPackage([]byte("dave"), bobKeys)

	_, err := e.ProposeAddMembers("dave", []mls.KeyPackageData{kp}, []string{"dave"})
	if !burrowerr.Is(err, burrowerr.Denied) {
		t.Errorf("expected Denied for non-admin actor, got %v", err)
	}
}

func TestProposeAddMembersThenMerge(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	bobKeys, err := mls.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	kp := mls.BuildKeyPackage([]byte("bob"), bobKeys)

	pending, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp}, []string{"bob"})
	if err != nil {
		t.Fatal(err)
	}
	if pending.Kind != mls.PendingAddMembers {
		t.Errorf("kind = %q, want add_members", pending.Kind)
	}

	beforeEpoch := e.Epoch()
	if err := e.MergePending(); err != nil {
		t.Fatal(err)
	}
	if e.Epoch() != beforeEpoch+1 {
		t.Errorf("epoch after merge = %d, want %d", e.Epoch(), beforeEpoch+1)
	}
	if !e.Record().IsMember("bob") {
		t.Error("bob should be a member after merge")
	}
}

func TestProposeAddMembersRejectsWhenPendingExists(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	bobKeys, _ := mls.GenerateKeys()
	kp := mls.BuildKeyPackage([]byte("bob"), bobKeys)
	if _, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp}, []string{"bob"}); err != nil {
		t.Fatal(err)
	}

	carolKeys, _ := mls.GenerateKeys()
	kp2 := mls.BuildKeyPackage([]byte("carol"), carolKeys)
	_, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp2}, []string{"carol"})
	if !burrowerr.Is(err, burrowerr.PendingCommitExists) {
		t.Errorf("expected PendingCommitExists, got %v", err)
	}
}

func TestProposeAddMembersRejectsMismatchedCounts(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	bobKeys, _ := mls.GenerateKeys()
	kp := mls.BuildKeyPackage([]byte("bob"), bobKeys)
	_, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp}, []string{"bob", "carol"})
	if !burrowerr.Is(err, burrowerr.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestMergePendingWithNoneIsNoPendingCommit(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	err := e.MergePending()
	if !burrowerr.Is(err, burrowerr.NoPendingCommit) {
		t.Errorf("expected NoPendingCommit, got %v", err)
	}
}

func TestProposeRemoveMembers(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})
	bobKeys, _ := mls.GenerateKeys()
	kp := mls.BuildKeyPackage([]byte("bob"), bobKeys)
	if _, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp}, []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := e.MergePending(); err != nil {
		t.Fatal(err)
	}
	// Add carol too, so removing bob leaves alice and carol.
	carolKeys, _ := mls.GenerateKeys()
	kpCarol := mls.BuildKeyPackage([]byte("carol"), carolKeys)
	if _, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kpCarol}, []string{"carol"}); err != nil {
		t.Fatal(err)
	}
	if err := e.MergePending(); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ProposeRemoveMembers("alice", []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := e.MergePending(); err != nil {
		t.Fatal(err)
	}
	if e.Record().IsMember("bob") {
		t.Error("bob should no longer be a member")
	}
	if !e.Record().IsMember("carol") {
		t.Error("carol should still be a member")
	}
}

func TestProposeRemoveMembersRejectsUnknownPubkey(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})
	_, err := e.ProposeRemoveMembers("alice", []string{"ghost"})
	if !burrowerr.Is(err, burrowerr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestProposeLeave(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})
	bobKeys, _ := mls.GenerateKeys()
	kp := mls.BuildKeyPackage([]byte("bob"), bobKeys)
	if _, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp}, []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := e.MergePending(); err != nil {
		t.Fatal(err)
	}

	if _, err := e.ProposeLeave("alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.MergePending(); err != nil {
		t.Fatal(err)
	}
	if e.Record().IsMember("alice") {
		t.Error("alice should no longer be a member after leaving")
	}
}

func TestUpdateMetadataDirectMessageSkipsAdminGate(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})
	e.record.Members = append(e.record.Members, "bob")

	newName := "renamed by bob"
	if err := e.UpdateMetadata("bob", &newName, nil, nil, nil); err != nil {
		t.Fatalf("direct-message group should allow non-admin metadata update: %v", err)
	}
	if e.Record().Name != newName {
		t.Error("name should have been updated")
	}
}

func TestUpdateMetadataGroupRequiresAdmin(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})
	e.record.Members = append(e.record.Members, "bob", "carol")

	newName := "renamed by bob"
	err := e.UpdateMetadata("bob", &newName, nil, nil, nil)
	if !burrowerr.Is(err, burrowerr.Denied) {
		t.Errorf("expected Denied, got %v", err)
	}
}

func TestResolveConflictLocalWins(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})
	bobKeys, _ := mls.GenerateKeys()
	kp := mls.BuildKeyPackage([]byte("bob"), bobKeys)
	if _, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp}, []string{"bob"}); err != nil {
		t.Fatal(err)
	}

	err := e.ResolveConflict("event-a", "event-z", nil)
	if err != nil {
		t.Fatalf("local win should not error: %v", err)
	}
	has, err := e.hasPendingCommit()
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("local pending commit should survive when local wins the tie-break")
	}
}

func TestResolveConflictRemoteWinsDiscardsLocalPending(t *testing.T) {
	stLocal := openTestStore(t)
	local, _ := createTestGroup(t, stLocal, "g1", "alice", []string{"alice"})

	stRemote := openTestStore(t)
	remote, _ := createTestGroup(t, stRemote, "g1", "alice", []string{"alice"})

	localBobKeys, _ := mls.GenerateKeys()
	localKP := mls.BuildKeyPackage([]byte("bob"), localBobKeys)
	if _, err := local.ProposeAddMembers("alice", []mls.KeyPackageData{localKP}, []string{"bob"}); err != nil {
		t.Fatal(err)
	}

	remoteCarolKeys, _ := mls.GenerateKeys()
	remoteKP := mls.BuildKeyPackage([]byte("carol"), remoteCarolKeys)
	remotePending, err := remote.mlsState.ProposeAddMembers([]mls.KeyPackageData{remoteKP})
	if err != nil {
		t.Fatal(err)
	}
	remoteCommitBytes, err := remotePending.CommitBytes()
	if err != nil {
		t.Fatal(err)
	}

	err = local.ResolveConflict("event-z", "event-a", remoteCommitBytes)
	if !burrowerr.Is(err, burrowerr.RetryNeeded) {
		t.Fatalf("expected RetryNeeded when local loses tie-break, got %v", err)
	}
	has, err := local.hasPendingCommit()
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("losing local pending commit should have been discarded")
	}
	if local.Epoch() != 1 {
		t.Errorf("epoch after adopting remote commit = %d, want 1", local.Epoch())
	}
}

func TestExportSecretAtPreviousEpoch(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	epoch0Secret := e.ExportSecret("burrow-outer-v1", nil, 32)
	epoch0 := e.Epoch()

	bobKeys, _ := mls.GenerateKeys()
	kp := mls.BuildKeyPackage([]byte("bob"), bobKeys)
	if _, err := e.ProposeAddMembers("alice", []mls.KeyPackageData{kp}, []string{"bob"}); err != nil {
		t.Fatal(err)
	}
	if err := e.MergePending(); err != nil {
		t.Fatal(err)
	}

	got, err := e.ExportSecretAt(epoch0, "burrow-outer-v1", nil, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, epoch0Secret) {
		t.Error("ExportSecretAt for a previous epoch should match what was exported before the commit")
	}

	if _, err := e.ExportSecretAt(epoch0+99, "burrow-outer-v1", nil, 32); !burrowerr.Is(err, burrowerr.NotFound) {
		t.Errorf("expected NotFound for an epoch never archived, got %v", err)
	}
}

func TestExportSecretDivergesByLabel(t *testing.T) {
	st := openTestStore(t)
	e, _ := createTestGroup(t, st, "g1", "alice", []string{"alice"})

	a := e.ExportSecret("burrow-outer-v1", nil, 32)
	b := e.ExportSecret("burrow-media-v1", nil, 32)
	if bytes.Equal(a, b) {
		t.Error("different labels should export different secrets")
	}
}

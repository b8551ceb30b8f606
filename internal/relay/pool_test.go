package relay

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

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

func TestLRUSetDeduplicatesAndEvicts(t *testing.T) {
	s := newLRUSet(2)
	if s.seenRecently("a") {
		t.Fatal("a should be unseen the first time")
	}
	if !s.seenRecently("a") {
		t.Fatal("a should be seen the second time")
	}
	s.seenRecently("b") // order: b, a
	s.seenRecently("c") // capacity 2 evicts a: order becomes c, b

	if s.seenRecently("a") {
		t.Fatal("a should have been evicted and thus reported unseen")
	}
}

func TestCursorRoundTripsThroughAppState(t *testing.T) {
	st := openTestState(t)
	filter := nostr.Filter{Kinds: []int{443, 444}}
	relayURL := "wss://relay.example"

	base := withCursor(filter, st, relayURL)
	if base.Since != nil {
		t.Fatal("expected no cursor before any event was delivered")
	}

	ts := nostr.Timestamp(1700000000)
	saveCursor(st, relayURL, filter, ts)

	resumed := withCursor(filter, st, relayURL)
	if resumed.Since == nil || *resumed.Since != ts {
		t.Fatalf("Since = %v, want %d", resumed.Since, ts)
	}
}

func TestCursorKeyDistinguishesFiltersAndRelays(t *testing.T) {
	f1 := nostr.Filter{Kinds: []int{443}}
	f2 := nostr.Filter{Kinds: []int{444}}

	if cursorKey("wss://a", f1) == cursorKey("wss://a", f2) {
		t.Fatal("distinct filters on the same relay must not collide")
	}
	if cursorKey("wss://a", f1) == cursorKey("wss://b", f1) {
		t.Fatal("the same filter on distinct relays must not collide")
	}
}

func TestDeliverAppliesBackpressureAndDropsOldest(t *testing.T) {
	rc := newRelayConn("wss://relay.example")
	st := openTestState(t)
	events := make(chan *nostr.Event, 1)
	filter := nostr.Filter{Kinds: []int{443}}
	rc.addSubscription("sub-1", filter, events, nil, st)

	mkEvent := func(id string) *nostr.Event {
		return &nostr.Event{ID: id, CreatedAt: nostr.Timestamp(1700000000)}
	}

	logger := zerolog.Nop()
	rc.deliver("sub-1", mkEvent("evt-1"), logger) // fills the channel buffer (cap 1)
	rc.deliver("sub-1", mkEvent("evt-2"), logger) // parked in overflow (cap 1, the channel's own capacity)
	rc.deliver("sub-1", mkEvent("evt-3"), logger) // overflow full: evt-2 dropped, evt-3 parked

	rc.mu.Lock()
	overflow := append([]*nostr.Event{}, rc.subscriptions["sub-1"].overflow...)
	rc.mu.Unlock()
	if len(overflow) != 1 || overflow[0].ID != "evt-3" {
		t.Fatalf("overflow = %v, want [evt-3]", overflow)
	}

	first := <-events
	if first.ID != "evt-1" {
		t.Fatalf("first delivered event = %s, want evt-1", first.ID)
	}
}

func TestDeliverDrainsOverflowOnceChannelHasRoom(t *testing.T) {
	rc := newRelayConn("wss://relay.example")
	st := openTestState(t)
	events := make(chan *nostr.Event, 1)
	filter := nostr.Filter{Kinds: []int{443}}
	rc.addSubscription("sub-1", filter, events, nil, st)

	logger := zerolog.Nop()
	rc.deliver("sub-1", &nostr.Event{ID: "evt-1"}, logger)
	rc.deliver("sub-1", &nostr.Event{ID: "evt-2"}, logger) // parked in overflow

	<-events // drain the channel; subsequent deliver should flush the overflow

	rc.deliver("sub-1", &nostr.Event{ID: "evt-3"}, logger)

	rc.mu.Lock()
	overflowLen := len(rc.subscriptions["sub-1"].overflow)
	rc.mu.Unlock()
	if overflowLen != 1 {
		t.Fatalf("overflow len = %d, want 1 (evt-3 parked after evt-2 drained)", overflowLen)
	}
	next := <-events
	if next.ID != "evt-2" {
		t.Fatalf("drained event = %s, want evt-2", next.ID)
	}
}

func TestSignalEOSEInvokesCallbackOnce(t *testing.T) {
	rc := newRelayConn("wss://relay.example")
	st := openTestState(t)
	events := make(chan *nostr.Event, 1)
	calls := 0
	rc.addSubscription("sub-1", nostr.Filter{}, events, func() { calls++ }, st)

	rc.signalEOSE("sub-1")
	rc.signalEOSE("unknown-sub")

	if calls != 1 {
		t.Fatalf("onEOSE called %d times, want 1", calls)
	}
}

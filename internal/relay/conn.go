package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/burrowmls/burrow/internal/appstate"
	"github.com/burrowmls/burrow/internal/burrowerr"
)

// relayConn owns one WebSocket connection to a single relay URL and every
// subscription currently multiplexed onto it.
type relayConn struct {
	url string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu            sync.Mutex
	subscriptions map[string]*liveSubscription
	acks          map[string]chan bool
}

type liveSubscription struct {
	filter   nostr.Filter
	events   chan<- *nostr.Event
	onEOSE   func()
	overflow []*nostr.Event
	state    *appstate.Store
}

func newRelayConn(url string) *relayConn {
	return &relayConn{
		url:           url,
		subscriptions: make(map[string]*liveSubscription),
		acks:          make(map[string]chan bool),
	}
}

func (rc *relayConn) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, rc.url, nil)
	if err != nil {
		return burrowerr.Wrap(burrowerr.RelayFailure, "relay.dial", err)
	}
	conn.SetReadLimit(4 << 20)
	rc.writeMu.Lock()
	rc.conn = conn
	rc.writeMu.Unlock()
	return nil
}

func (rc *relayConn) markDisconnected() {
	rc.writeMu.Lock()
	rc.conn = nil
	rc.writeMu.Unlock()
}

func (rc *relayConn) write(ctx context.Context, frame any) error {
	rc.writeMu.Lock()
	conn := rc.conn
	rc.writeMu.Unlock()
	if conn == nil {
		return burrowerr.New(burrowerr.RelayFailure, "relay.write", "not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return burrowerr.Wrap(burrowerr.InvalidInput, "relay.write", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// publish sends evt and waits for its OK acknowledgement or ctx expiry.
func (rc *relayConn) publish(ctx context.Context, evt *nostr.Event) (bool, error) {
	ackCh := make(chan bool, 1)
	rc.mu.Lock()
	rc.acks[evt.ID] = ackCh
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		delete(rc.acks, evt.ID)
		rc.mu.Unlock()
	}()

	if err := rc.write(ctx, [2]any{"EVENT", evt}); err != nil {
		return false, err
	}
	select {
	case ok := <-ackCh:
		return ok, nil
	case <-ctx.Done():
		return false, burrowerr.Wrap(burrowerr.Cancelled, "relay.publish", ctx.Err())
	}
}

func (rc *relayConn) deliverAck(eventID string, ok bool) {
	rc.mu.Lock()
	ch, found := rc.acks[eventID]
	rc.mu.Unlock()
	if found {
		select {
		case ch <- ok:
		default:
		}
	}
}

func (rc *relayConn) sendREQ(ctx context.Context, subID string, filter nostr.Filter) error {
	return rc.write(ctx, [3]any{"REQ", subID, filter})
}

func (rc *relayConn) sendCLOSE(subID string) {
	// Best-effort, using a short-lived background context: the
	// subscription is already torn down locally regardless of whether
	// the relay hears about it.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = rc.write(ctx, [2]any{"CLOSE", subID})
}

func (rc *relayConn) addSubscription(subID string, filter nostr.Filter, events chan<- *nostr.Event, onEOSE func(), state *appstate.Store) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.subscriptions[subID] = &liveSubscription{filter: filter, events: events, onEOSE: onEOSE, state: state}
}

func (rc *relayConn) removeSubscription(subID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.subscriptions, subID)
}

// resubscribeAll reissues every still-registered subscription's REQ after
// a reconnect, resuming from its persisted cursor so events already
// delivered are not replayed.
func (rc *relayConn) resubscribeAll(ctx context.Context, state *appstate.Store) {
	rc.mu.Lock()
	subs := make(map[string]*liveSubscription, len(rc.subscriptions))
	for id, s := range rc.subscriptions {
		subs[id] = s
	}
	rc.mu.Unlock()

	for id, s := range subs {
		f := withCursor(s.filter, state, rc.url)
		_ = rc.sendREQ(ctx, id, f)
	}
}

// deliver forwards evt to subID's subscriber, applying pause-on-full
// backpressure: already-queued overflow events are flushed first, then a
// non-blocking send that, on failure (or while overflow is still queued),
// parks the event in a one-buffer-deep overflow queue, dropping the oldest
// queued entry and logging a warning when that queue is full (spec.md §5).
func (rc *relayConn) deliver(subID string, evt *nostr.Event, logger zerolog.Logger) {
	rc.mu.Lock()
	sub, ok := rc.subscriptions[subID]
	rc.mu.Unlock()
	if !ok {
		return
	}

	saveCursor(sub.state, rc.url, sub.filter, evt.CreatedAt)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.drainOverflowLocked(sub)
	if len(sub.overflow) == 0 {
		select {
		case sub.events <- evt:
			return
		default:
		}
	}
	capacity := cap(sub.events)
	if len(sub.overflow) >= capacity {
		dropped := sub.overflow[0]
		sub.overflow = sub.overflow[1:]
		logger.Warn().Str("relay", rc.url).Str("dropped_event", dropped.ID).Msg("backpressure_drop")
	}
	sub.overflow = append(sub.overflow, evt)
	rc.drainOverflowLocked(sub)
}

// drainOverflowLocked opportunistically flushes queued events once the
// subscriber's channel has room again. Called with rc.mu held.
func (rc *relayConn) drainOverflowLocked(sub *liveSubscription) {
	for len(sub.overflow) > 0 {
		select {
		case sub.events <- sub.overflow[0]:
			sub.overflow = sub.overflow[1:]
		default:
			return
		}
	}
}

func (rc *relayConn) signalEOSE(subID string) {
	rc.mu.Lock()
	sub, ok := rc.subscriptions[subID]
	rc.mu.Unlock()
	if ok && sub.onEOSE != nil {
		sub.onEOSE()
	}
}

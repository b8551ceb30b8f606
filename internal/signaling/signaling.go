// Package signaling implements the Signaling Adapter (spec.md §4.7,
// SPEC_FULL.md §4.7): call-control messages for 1:1 and group calls.
//
// 1:1 calls reuse internal/wireevent.SealRumor/OpenRumor exactly as the
// Welcome Pipeline does (a kind-1059 gift wrap addressed by a "p" tag);
// group calls hand the same JSON payload to the Message Pipeline as an
// inner event with application kind message.KindSignal. Both paths enforce
// the same 60-second expiry, checked against the envelope's own
// created-at rather than wall-clock-at-send, so a relay that holds an
// event before delivering it cannot extend its effective lifetime.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/group"
	"github.com/burrowmls/burrow/internal/message"
	"github.com/burrowmls/burrow/internal/wireevent"
)

// Expiry bounds how long a signaling envelope remains valid after its
// created-at timestamp; later arrivals are dropped on receipt rather than
// acted on, per spec.md §4.7.
const Expiry = 60 * time.Second

// Kind identifies one of the five call-control message types.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHangup    Kind = "hangup"
	KindRinging   Kind = "ringing"
)

var kindToWire = map[Kind]int{
	KindOffer:     wireevent.KindSignalOffer,
	KindAnswer:    wireevent.KindSignalAnswer,
	KindCandidate: wireevent.KindSignalCandidate,
	KindHangup:    wireevent.KindSignalHangup,
	KindRinging:   wireevent.KindSignalRinging,
}

var wireToKind = map[int]Kind{
	wireevent.KindSignalOffer:     KindOffer,
	wireevent.KindSignalAnswer:    KindAnswer,
	wireevent.KindSignalCandidate: KindCandidate,
	wireevent.KindSignalHangup:    KindHangup,
	wireevent.KindSignalRinging:   KindRinging,
}

// Payload is the call-control body carried by both the 1:1 sealed-envelope
// path and the group Message Pipeline path. Body holds the
// kind-specific data (SDP for offer/answer, ICE candidate string for
// candidate, empty for hangup/ringing) as an opaque string: Burrow
// transports WebRTC signaling, it does not parse it.
type Payload struct {
	Kind      Kind   `json:"kind"`
	CallID    string `json:"call_id"`
	Body      string `json:"body,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func (p Payload) expired(observedAt time.Time) bool {
	return observedAt.Sub(time.Unix(p.CreatedAt, 0)) > Expiry
}

// SendDirect seals a 1:1 call-control message addressed to recipientPubHex
// and returns the outer kind-1059 event ready to publish.
func SendDirect(senderPrivHex, recipientPubHex string, kind Kind, callID, body string) (*nostr.Event, error) {
	wireKind, ok := kindToWire[kind]
	if !ok {
		return nil, burrowerr.New(burrowerr.InvalidInput, "signaling.SendDirect", fmt.Sprintf("unknown signal kind %q", kind))
	}
	now := time.Now()
	payload := Payload{Kind: kind, CallID: callID, Body: body, CreatedAt: now.Unix()}
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.InvalidInput, "signaling.SendDirect", err)
	}
	rumor := &nostr.Event{
		Kind:      wireKind,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags:      nostr.Tags{{"call", callID}},
		Content:   string(content),
	}
	return wireevent.SealRumor(rumor, senderPrivHex, recipientPubHex, nostr.Timestamp(now.Unix()))
}

// ReceiveDirect unwraps a 1:1 sealed envelope and returns its payload, or
// ok == false if the envelope has expired and must be silently dropped.
func ReceiveDirect(outer *nostr.Event, recipientPrivHex string) (Payload, bool, error) {
	rumor, err := wireevent.OpenRumor(outer, recipientPrivHex)
	if err != nil {
		return Payload{}, false, err
	}
	if _, ok := wireToKind[rumor.Kind]; !ok {
		return Payload{}, false, burrowerr.New(burrowerr.ProtocolViolation, "signaling.ReceiveDirect", fmt.Sprintf("unexpected inner kind %d", rumor.Kind))
	}
	var payload Payload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return Payload{}, false, burrowerr.Wrap(burrowerr.ProtocolViolation, "signaling.ReceiveDirect", err)
	}
	if payload.expired(time.Now()) {
		return Payload{}, false, nil
	}
	return payload, true, nil
}

// SendGroup hands a call-control payload to the Message Pipeline as an
// inner event with application kind message.KindSignal, for group calls
// that have no single peer to address a sealed envelope to.
func SendGroup(pipeline *message.Pipeline, eng *group.Engine, authorIdentity string, kind Kind, callID, body string) (*nostr.Event, error) {
	if _, ok := kindToWire[kind]; !ok {
		return nil, burrowerr.New(burrowerr.InvalidInput, "signaling.SendGroup", fmt.Sprintf("unknown signal kind %q", kind))
	}
	payload := Payload{Kind: kind, CallID: callID, Body: body, CreatedAt: time.Now().Unix()}
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.InvalidInput, "signaling.SendGroup", err)
	}
	outer, _, err := pipeline.Send(eng, authorIdentity, message.KindSignal, string(content), [][]string{{"call", callID}})
	return outer, err
}

// ReceiveGroup extracts a call-control payload from a Process result whose
// Message.Kind is message.KindSignal. ok is false if the result is not a
// signal message, or if the signal has expired and must be dropped.
func ReceiveGroup(result message.ProcessResult) (Payload, bool, error) {
	if result.Outcome != message.OutcomeApplicationMessage || result.Message == nil || result.Message.Kind != message.KindSignal {
		return Payload{}, false, nil
	}
	var payload Payload
	if err := json.Unmarshal([]byte(result.Message.Content), &payload); err != nil {
		return Payload{}, false, burrowerr.Wrap(burrowerr.ProtocolViolation, "signaling.ReceiveGroup", err)
	}
	if payload.expired(time.Now()) {
		return Payload{}, false, nil
	}
	return payload, true, nil
}

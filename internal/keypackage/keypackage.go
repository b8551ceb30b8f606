// Package keypackage implements the Key-Package Manager: generating a
// fresh MLS key package for this identity, publishing it as a kind-443
// Nostr event, and selecting the newest published key package for a given
// pubkey from a set of fetched candidates.
//
// Grounded on the teacher's mls.BuildKeyPackage/GenerateMLSKeys
// (internal/mls/group.go), generalized to also carry the Nostr wire
// envelope (kind, tags) those functions had no notion of.
package keypackage

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/crypto"
	"github.com/burrowmls/burrow/internal/mls"
)

// KindKeyPackage is the Nostr event kind used to publish MLS key packages (MIP-01).
const KindKeyPackage = 443

// Bundle couples the generated MLS leaf keys with their serializable key package.
type Bundle struct {
	Keys       mls.Keys
	KeyPackage mls.KeyPackageData
}

// Generate creates a fresh MLS leaf keypair and its key package for identity.
func Generate(identityPubkeyHex string) (Bundle, error) {
	keys, err := mls.GenerateKeys()
	if err != nil {
		return Bundle{}, burrowerr.Wrap(burrowerr.CryptoFailure, "keypackage.Generate", err)
	}
	kp := mls.BuildKeyPackage([]byte(identityPubkeyHex), keys)
	return Bundle{Keys: keys, KeyPackage: kp}, nil
}

// BuildEvent wraps a key package into an unsigned kind-443 Nostr event
// ready for the caller's Identity.Sign.
func BuildEvent(authorPubkeyHex string, kp mls.KeyPackageData, createdAt nostr.Timestamp) (*nostr.Event, error) {
	payload, err := json.Marshal(kp)
	if err != nil {
		return nil, burrowerr.Wrap(burrowerr.InvalidInput, "keypackage.BuildEvent", err)
	}
	evt := &nostr.Event{
		PubKey:    authorPubkeyHex,
		CreatedAt: createdAt,
		Kind:      KindKeyPackage,
		Tags:      nostr.Tags{{"ciphersuite", fmt.Sprintf("%d", mls.MLSCiphersuiteID)}},
		Content:   crypto.B64Encode(payload, false),
	}
	return evt, nil
}

// ParseEvent extracts the key package carried by a kind-443 event.
func ParseEvent(evt *nostr.Event) (mls.KeyPackageData, error) {
	if evt.Kind != KindKeyPackage {
		return mls.KeyPackageData{}, burrowerr.New(burrowerr.InvalidInput, "keypackage.ParseEvent",
			fmt.Sprintf("expected kind %d, got %d", KindKeyPackage, evt.Kind))
	}
	payload, err := crypto.B64Decode(evt.Content, false)
	if err != nil {
		return mls.KeyPackageData{}, burrowerr.Wrap(burrowerr.ProtocolViolation, "keypackage.ParseEvent", err)
	}
	var kp mls.KeyPackageData
	if err := json.Unmarshal(payload, &kp); err != nil {
		return mls.KeyPackageData{}, burrowerr.Wrap(burrowerr.ProtocolViolation, "keypackage.ParseEvent", err)
	}
	return kp, nil
}

// FetchNewest selects the key package event with the latest CreatedAt
// among candidates, using the event's own timestamp rather than relay
// receipt order — relays may deliver events out of order, but the
// published key package's self-reported timestamp is what determines
// which one a joiner should actually use.
func FetchNewest(candidates []*nostr.Event) (*nostr.Event, error) {
	if len(candidates) == 0 {
		return nil, burrowerr.New(burrowerr.NotFound, "keypackage.FetchNewest", "no key package candidates")
	}
	newest := candidates[0]
	for _, c := range candidates[1:] {
		if c.CreatedAt > newest.CreatedAt {
			newest = c
		}
	}
	return newest, nil
}

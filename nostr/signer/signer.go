// Package signer abstracts over the ways a Nostr event can be signed on
// behalf of a user: a raw private key held by the caller, a NIP-98 proof
// event standing in for a signer that is not present, or an external
// signer such as a browser extension reachable through a seam.
package signer

import (
	"fmt"
	"strings"

	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrCannotSign is returned by signers that carry an identity but no
// signing capability.
var ErrCannotSign = fmt.Errorf("signer cannot produce signatures")

// Signer produces signed events for a single identity.
type Signer interface {

	// PubKey returns the hex public key of the identity
	PubKey() string

	// CanSign reports whether Sign can produce a valid signature
	CanSign() bool

	// Sign completes and signs the given event in place. The event's
	// PubKey, ID and Sig fields are set on success.
	Sign(ev *nostr.Event) error
}

// RawKey signs with a private key held in memory.
type RawKey struct {
	sk string
	pk string
}

// NewRawKey creates a RawKey signer from a hex or nsec-encoded private key.
func NewRawKey(key string) (*RawKey, error) {
	sk := strings.TrimSpace(key)
	if strings.HasPrefix(sk, "nsec1") {
		prefix, data, err := nip19.Decode(sk)
		if err != nil || prefix != "nsec" {
			return nil, fmt.Errorf("invalid nsec key")
		}
		sk = data.(string)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid private key")
	}
	return &RawKey{sk: sk, pk: pk}, nil
}

// PubKey returns the identity's hex public key
func (r *RawKey) PubKey() string { return r.pk }

// CanSign is always true for a raw key
func (r *RawKey) CanSign() bool { return true }

// Sign signs the event with the held private key
func (r *RawKey) Sign(ev *nostr.Event) error {
	return ev.Sign(r.sk)
}

// NIP98Proxy represents an identity proven by a verified NIP-98 event.
// It cannot sign new events; callers that need a proof reference should
// use Proof to link back to the authorizing event.
type NIP98Proxy struct {
	proof *nostr.Event
}

// NewNIP98Proxy creates a proxy signer from a verified kind-27235 event
func NewNIP98Proxy(proof *nostr.Event) (*NIP98Proxy, error) {
	if proof == nil || !identifier.IsValidPubKeyHex(proof.PubKey) {
		return nil, fmt.Errorf("invalid proof event")
	}
	return &NIP98Proxy{proof: proof}, nil
}

// PubKey returns the proven identity's hex public key
func (p *NIP98Proxy) PubKey() string { return p.proof.PubKey }

// CanSign is always false; the private key is on the client side
func (p *NIP98Proxy) CanSign() bool { return false }

// Sign always fails with ErrCannotSign
func (p *NIP98Proxy) Sign(*nostr.Event) error { return ErrCannotSign }

// Proof returns the authorizing NIP-98 event
func (p *NIP98Proxy) Proof() *nostr.Event { return p.proof }

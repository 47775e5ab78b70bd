package mutate

import (
	"fmt"

	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/gitrepublic/gitd/params"
	"github.com/nbd-wtf/go-nostr"
)

// BuildSignatureEvent creates the kind-1640 event binding a commit to
// its author's Nostr identity. When the signer holds a key the event is
// signed; a NIP-98 proxy cannot sign, so the event instead references
// the authorizing NIP-98 event and keeps a computed id without a
// signature.
func BuildSignatureEvent(sgn signer.Signer, authorName, authorEmail, subject string) (*nostr.Event, error) {
	ev := &nostr.Event{
		Kind:      params.KindCommitSignature,
		PubKey:    sgn.PubKey(),
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"author", authorName, authorEmail},
			{"message", subject},
		},
	}
	if p, ok := sgn.(*signer.NIP98Proxy); ok {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", p.Proof().ID, "", "nip98-auth"})
	}
	if sgn.CanSign() {
		if err := sgn.Sign(ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
	ev.ID = ev.GetID()
	return ev, nil
}

// Trailer appends the commit signature trailer to a commit message.
// The three fields are lowercase hex.
func Trailer(message string, ev *nostr.Event) string {
	return fmt.Sprintf("%s\n\nNostr-Signature: %s %s %s", message, ev.ID, ev.PubKey, ev.Sig)
}

// UpdateWithCommitHash stamps the signature event with the commit hash
// once it is known and recomputes the event id over the new
// serialization. A re-sign happens only when the signer can sign;
// otherwise the event keeps the stale signature and consumers must
// verify it against the pre-hash id.
func UpdateWithCommitHash(ev *nostr.Event, commitHash string, sgn signer.Signer) error {
	ev.Tags = append(ev.Tags, nostr.Tag{"commit", commitHash})
	if sgn != nil && sgn.CanSign() {
		return sgn.Sign(ev)
	}
	ev.ID = ev.GetID()
	return nil
}

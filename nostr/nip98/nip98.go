// Package nip98 verifies and builds kind-27235 HTTP authorization events.
// An event authorizes exactly one request: it commits to the URL, the
// method and, when a body is present, the body's sha256.
package nip98

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/gitrepublic/gitd/util"
	"github.com/nbd-wtf/go-nostr"
)

// Reason identifies the check an authorization failed
type Reason string

const (
	ReasonMissingAuth     Reason = "MissingAuth"
	ReasonMalformed       Reason = "Malformed"
	ReasonBadSignature    Reason = "BadSignature"
	ReasonWrongKind       Reason = "WrongKind"
	ReasonNonEmptyContent Reason = "NonEmptyContent"
	ReasonUrlMismatch     Reason = "UrlMismatch"
	ReasonMethodMismatch  Reason = "MethodMismatch"
	ReasonExpired         Reason = "Expired"
	ReasonFutureTimestamp Reason = "FutureTimestamp"
	ReasonBodyHashMismatch Reason = "BodyHashMismatch"
)

// AuthError is a failed authorization check
type AuthError struct {
	Reason Reason
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

func authErr(reason Reason, msg string) *AuthError {
	return &AuthError{Reason: reason, Msg: msg}
}

// ReasonOf extracts the failure reason from an error returned by Verify.
// Non-auth errors report as Malformed.
func ReasonOf(err error) Reason {
	if ae, ok := err.(*AuthError); ok {
		return ae.Reason
	}
	return ReasonMalformed
}

// Normalize extracts the base64 event payload from an Authorization
// header value. Both the native `Nostr <b64>` shape and the credential
// helper's `Basic <b64 of "nostr:<b64>">` translation are accepted.
func Normalize(header string) (string, *AuthError) {
	header = strings.TrimSpace(header)
	switch {
	case header == "":
		return "", authErr(ReasonMissingAuth, "authorization header is required")

	case strings.HasPrefix(header, "Nostr "):
		return strings.TrimSpace(header[6:]), nil

	case strings.HasPrefix(header, "Basic "):
		creds, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[6:]))
		if err != nil {
			return "", authErr(ReasonMalformed, "bad basic credentials encoding")
		}
		parts := strings.SplitN(string(creds), ":", 2)
		if len(parts) != 2 || parts[0] != "nostr" {
			return "", authErr(ReasonMissingAuth, "basic credentials do not carry a nostr event")
		}
		return util.StripControlChars(parts[1]), nil
	}
	return "", authErr(ReasonMissingAuth, "unrecognized authorization scheme")
}

// normalizeURL renders a URL with any trailing slash removed from its path
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Verify checks that header authorizes a request against expectedURL with
// the given method and body. On success the event's hex pubkey is
// returned. On failure the error is an *AuthError naming the failed check.
func Verify(header, expectedURL, method string, body []byte) (string, error) {
	payload, aerr := Normalize(header)
	if aerr != nil {
		return "", aerr
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", authErr(ReasonMalformed, "bad event encoding")
	}

	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "", authErr(ReasonMalformed, "bad event json")
	}

	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return "", authErr(ReasonBadSignature, "event signature is invalid")
	}

	if ev.Kind != params.KindHTTPAuth {
		return "", authErr(ReasonWrongKind, fmt.Sprintf("expected kind %d", params.KindHTTPAuth))
	}

	if ev.Content != "" {
		return "", authErr(ReasonNonEmptyContent, "auth event content must be empty")
	}

	uTag := ev.Tags.GetFirst([]string{"u"})
	if uTag == nil || normalizeURL(uTag.Value()) != normalizeURL(expectedURL) {
		return "", authErr(ReasonUrlMismatch, "event does not commit to this url")
	}

	mTag := ev.Tags.GetFirst([]string{"method"})
	if mTag == nil || strings.ToUpper(mTag.Value()) != strings.ToUpper(method) {
		return "", authErr(ReasonMethodMismatch, "event does not commit to this method")
	}

	now := time.Now()
	created := ev.CreatedAt.Time()
	if created.Before(now.Add(-params.AuthFreshnessWindow)) {
		return "", authErr(ReasonExpired, "auth event has expired")
	}
	if created.After(now.Add(params.AuthFreshnessWindow)) {
		return "", authErr(ReasonFutureTimestamp, "auth event is from the future")
	}

	if len(body) > 0 {
		sum := sha256.Sum256(body)
		pTag := ev.Tags.GetFirst([]string{"payload"})
		if pTag == nil || pTag.Value() != hex.EncodeToString(sum[:]) {
			return "", authErr(ReasonBodyHashMismatch, "event does not commit to this body")
		}
	}

	return ev.PubKey, nil
}

// Build creates and signs an authorization event for one request
func Build(reqURL, method string, body []byte, s signer.Signer) (*nostr.Event, error) {
	ev := &nostr.Event{
		Kind:      params.KindHTTPAuth,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"u", reqURL},
			{"method", strings.ToUpper(method)},
		},
	}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		ev.Tags = append(ev.Tags, nostr.Tag{"payload", hex.EncodeToString(sum[:])})
	}
	if err := s.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// EncodeHeader renders a signed auth event as a `Nostr <b64>` header value
func EncodeHeader(ev *nostr.Event) (string, error) {
	bz, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(bz), nil
}

package identifier

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/gitrepublic/gitd/params"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// IsValidRepoName checks whether a user-defined name is valid as a
// repository name. Valid names contain only alphanumeric, dot,
// underscore and dash characters and no path separators.
func IsValidRepoName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > params.MaxRepoNameLen {
		return fmt.Errorf("name is too long. Maximum character length is %d", params.MaxRepoNameLen)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name; name cannot be a relative path element")
	}
	if !govalidator.Matches(name, `^[A-Za-z0-9._-]+$`) {
		return fmt.Errorf("invalid name; only alphanumeric, ., _ and - characters are allowed")
	}
	return nil
}

// IsValidBranchName checks whether a name is acceptable as a branch name.
// The grammar is stricter than git's own: printable ASCII, no control
// characters, no '..', no ref prefix and none of git's forbidden
// characters.
func IsValidBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is required")
	}
	if strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("invalid branch name; ref prefix is not allowed")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("invalid branch name")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return fmt.Errorf("invalid branch name")
	}
	if strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("invalid branch name")
	}
	for _, r := range name {
		if r <= 0x20 || r == 0x7f {
			return fmt.Errorf("invalid branch name; control characters and spaces are not allowed")
		}
		switch r {
		case '~', '^', ':', '?', '*', '[', '\\':
			return fmt.Errorf("invalid branch name; character %q is not allowed", r)
		}
	}
	return nil
}

// IsValidPubKeyHex checks that pk is a 64-character lowercase hex string
func IsValidPubKeyHex(pk string) bool {
	if len(pk) != 64 {
		return false
	}
	return govalidator.Matches(pk, `^[0-9a-f]{64}$`)
}

// DecodeNpub decodes a bech32 npub string into its hex public key
func DecodeNpub(npub string) (string, error) {
	prefix, data, err := nip19.Decode(npub)
	if err != nil {
		return "", fmt.Errorf("invalid npub: %s", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("invalid npub: unexpected prefix %q", prefix)
	}
	pk, ok := data.(string)
	if !ok || !IsValidPubKeyHex(pk) {
		return "", fmt.Errorf("invalid npub: bad payload")
	}
	return pk, nil
}

// EncodeNpub encodes a hex public key as a bech32 npub string
func EncodeNpub(pkHex string) (string, error) {
	if !IsValidPubKeyHex(pkHex) {
		return "", fmt.Errorf("invalid public key")
	}
	return nip19.EncodePublicKey(pkHex)
}

// IsValidEmail performs a strict check on an email address
func IsValidEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long")
	}
	if !govalidator.IsEmail(email) {
		return fmt.Errorf("email is not valid")
	}
	return nil
}

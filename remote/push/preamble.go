// Package push parses the preamble of a git-receive-pack request body
// to learn which branches a push touches before the backend runs.
package push

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gitrepublic/gitd/util"
)

// zeroHash is the all-zero object id marking ref creation or deletion
const zeroHash = "0000000000000000000000000000000000000000"

// RefUpdate is one `<old> <new> <ref>` command from the preamble
type RefUpdate struct {
	OldHash string
	NewHash string
	Branch  string
}

// IsDelete reports whether the command removes the branch
func (u *RefUpdate) IsDelete() bool {
	return u.NewHash == zeroHash
}

// IsCreate reports whether the command creates the branch
func (u *RefUpdate) IsCreate() bool {
	return u.OldHash == zeroHash
}

var updateLineRe = regexp.MustCompile(`^([0-9a-f]{40}) ([0-9a-f]{40}) refs/heads/(.+)$`)

// ParsePreamble extracts the branch update commands from a
// receive-pack request body. git frames each command as its own
// pkt-line with no trailing LF and appends the capability list after
// a NUL on the first command only; a flush packet ends the section.
// Bodies without pkt-line framing are read line by line. Branch names
// containing control characters are rejected.
func ParsePreamble(body []byte) ([]*RefUpdate, error) {
	// Only the command section matters; everything from PACK on is
	// pack data and may contain arbitrary bytes.
	if i := bytes.Index(body, []byte("PACK")); i > -1 {
		body = body[:i]
	}

	var updates []*RefUpdate
	for len(body) > 0 {
		payload, rest, framed := nextPktLine(body)
		if framed {
			if payload == nil {
				// Flush packet ends the command section.
				return updates, nil
			}
			body = rest
		} else {
			// No pkt-line framing; take one newline-delimited line.
			if j := bytes.IndexByte(body, '\n'); j > -1 {
				payload, body = body[:j], body[j+1:]
			} else {
				payload, body = body, nil
			}
		}

		// The capability list follows a NUL after the command.
		if j := bytes.IndexByte(payload, 0); j > -1 {
			payload = payload[:j]
		}
		line := strings.TrimSpace(string(payload))
		if line == "" {
			continue
		}
		if line == "0000" {
			return updates, nil
		}

		// Unframed bodies may still carry a pkt-line length prefix.
		if len(line) > 4 && isHex4(line[:4]) {
			if updateLineRe.MatchString(line[4:]) {
				line = line[4:]
			}
		}

		m := updateLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		branch := m[3]
		if util.HasControlChars(branch) {
			return nil, fmt.Errorf("branch name contains control characters")
		}
		updates = append(updates, &RefUpdate{OldHash: m[1], NewHash: m[2], Branch: branch})
	}
	return updates, nil
}

// nextPktLine reads one pkt-line from b. A flush packet yields a nil
// payload. framed is false when b does not start with a usable
// pkt-line length, in which case the caller falls back to reading a
// bare line.
func nextPktLine(b []byte) (payload, rest []byte, framed bool) {
	if len(b) < 4 || !isHex4(string(b[:4])) {
		return nil, b, false
	}
	// A bare command whose old hash is all zeros starts with "0000"
	// but is not a flush packet.
	if len(b) > 40 && string(b[:40]) == zeroHash && b[40] == ' ' {
		return nil, b, false
	}
	n64, err := strconv.ParseUint(string(b[:4]), 16, 16)
	if err != nil {
		return nil, b, false
	}
	n := int(n64)
	if n == 0 {
		return nil, b[4:], true
	}
	if n < 4 || n > len(b) {
		return nil, b, false
	}
	return b[4:n], b[n:], true
}

// Branches returns the distinct branch names the updates touch, in
// first-seen order.
func Branches(updates []*RefUpdate) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, u := range updates {
		if _, ok := seen[u.Branch]; ok {
			continue
		}
		seen[u.Branch] = struct{}{}
		out = append(out, u.Branch)
	}
	return out
}

func isHex4(s string) bool {
	for i := 0; i < 4; i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

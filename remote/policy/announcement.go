package policy

import (
	"fmt"
	"strings"

	"github.com/gitrepublic/gitd/params"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
)

// ATag renders the address tag under which a repository's policy events
// reference its announcement.
func ATag(originalOwnerHex, repoName string) string {
	return fmt.Sprintf("%d:%s:%s", params.KindRepoAnnouncement, originalOwnerHex, repoName)
}

// Announcement wraps a kind-30617 repository announcement event
type Announcement struct {
	Event *nostr.Event
}

// ParseAnnouncement validates an event as the announcement of the named
// repository: right kind, valid signature and matching d-tag.
func ParseAnnouncement(ev *nostr.Event, repoName string) (*Announcement, error) {
	if ev == nil || ev.Kind != params.KindRepoAnnouncement {
		return nil, errors.New("not a repository announcement")
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return nil, errors.New("announcement signature is invalid")
	}
	ann := &Announcement{Event: ev}
	if ann.RepoName() != repoName {
		return nil, errors.New("announcement names a different repository")
	}
	return ann, nil
}

// RepoName returns the d-tag value
func (a *Announcement) RepoName() string {
	if d := a.Event.Tags.GetFirst([]string{"d"}); d != nil {
		return d.Value()
	}
	return ""
}

// CloneURLs returns every url listed in clone tags. A single clone tag
// may carry several urls.
func (a *Announcement) CloneURLs() []string {
	var urls []string
	for _, tag := range a.Event.Tags {
		if len(tag) < 2 || tag[0] != "clone" {
			continue
		}
		for _, u := range tag[1:] {
			u = strings.TrimSpace(u)
			if u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

// EUC returns the earliest-unique-commit reference, the stable identity
// of the repository across forks. It is the r tag marked "euc".
func (a *Announcement) EUC() string {
	for _, tag := range a.Event.Tags {
		if len(tag) >= 3 && tag[0] == "r" && tag[2] == "euc" {
			return tag[1]
		}
	}
	return ""
}

// IsPrivate reports whether the announcement marks the repository
// private. Several historic tag shapes are honored.
func (a *Announcement) IsPrivate() bool {
	for _, tag := range a.Event.Tags {
		switch {
		case len(tag) >= 2 && tag[0] == "private" && tag[1] == "true":
			return true
		case len(tag) == 1 && tag[0] == "private":
			return true
		case len(tag) >= 2 && tag[0] == "t" && tag[1] == "private":
			return true
		}
	}
	return false
}

// Package policy resolves who may see and mutate a repository.
// Ownership, maintainership, privacy and branch protection all live on
// relays as replaceable events; the resolver composes cached relay
// queries and falls back to state checked into the repository itself
// when the relays give no signal.
package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/params"
	memcache "github.com/gitrepublic/gitd/pkgs/cache"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/remote/repo"
	"github.com/nbd-wtf/go-nostr"
	"github.com/thoas/go-funk"
)

// Fetcher is the event source the resolver queries. In production it is
// the read-through event cache.
type Fetcher interface {
	Fetch(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error)
}

// BranchPolicy is the protection policy of a single branch
type BranchPolicy struct {
	RequireMaintainer bool `json:"require-maintainer"`
	AllowForcePush    bool `json:"allow-force-push"`
	AllowDelete       bool `json:"allow-delete"`
}

// Resolver answers authorization questions about repositories
type Resolver struct {
	cfg     *config.AppConfig
	log     logger.Logger
	fetcher Fetcher

	// owners memoizes resolved current owners for a short window
	owners *memcache.Cache
}

// NewResolver creates a policy resolver backed by the given event source
func NewResolver(cfg *config.AppConfig, fetcher Fetcher) *Resolver {
	return &Resolver{
		cfg:     cfg,
		log:     cfg.G().Log.Module("policy"),
		fetcher: fetcher,
		owners:  memcache.NewCacheWithExpiringEntry(1000),
	}
}

// Stop releases the resolver's resources
func (r *Resolver) Stop() {
	r.owners.Stop()
}

// EvalOwnershipChain applies the ordered transfer events to the
// original owner. A transfer takes effect only when its signature
// verifies, its author is the owner at that point in the chain and it
// names a new owner in a p-tag. A self-transfer is a valid
// initial-ownership proof and leaves the owner unchanged.
func EvalOwnershipChain(originalOwner string, transfers []*nostr.Event) string {
	sorted := append([]*nostr.Event{}, transfers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt < sorted[j].CreatedAt
	})

	owner := originalOwner
	for _, t := range sorted {
		if t == nil || t.Kind != params.KindOwnershipTransfer {
			continue
		}
		if ok, err := t.CheckSignature(); err != nil || !ok {
			continue
		}
		if t.PubKey != owner {
			continue
		}
		p := t.Tags.GetFirst([]string{"p"})
		if p == nil || p.Value() == "" {
			continue
		}
		if p.Value() == t.PubKey {
			// initial-ownership proof; owner unchanged
			continue
		}
		owner = p.Value()
	}
	return owner
}

// CurrentOwner resolves the pubkey that currently owns the repository
// by evaluating the ownership-transfer chain rooted at the announcement.
// The result is memoized for a short window. When the relays cannot be
// reached, the repository's own checked-in event record is consulted.
func (r *Resolver) CurrentOwner(ctx context.Context, originalOwner, repoName string) (string, error) {
	cacheKey := "owner:" + originalOwner + "/" + repoName
	if v := r.owners.Get(cacheKey); v != nil {
		return v.(string), nil
	}

	transfers, err := r.fetcher.Fetch(ctx, nostr.Filters{{
		Kinds: []int{params.KindOwnershipTransfer},
		Tags:  nostr.TagMap{"a": []string{ATag(originalOwner, repoName)}},
	}})
	if err != nil {
		r.log.Debug("Falling back to repository event record", "Repo", repoName, "Err", err.Error())
		if owner, ok := r.ownerFromRepo(originalOwner, repoName); ok {
			return owner, nil
		}
		return "", err
	}

	owner := EvalOwnershipChain(originalOwner, transfers)
	r.owners.Add(cacheKey, owner, time.Now().Add(params.OwnerCacheTTL))
	return owner, nil
}

// InvalidateOwner drops the memoized owner of a repository
func (r *Resolver) InvalidateOwner(originalOwner, repoName string) {
	r.owners.Remove("owner:" + originalOwner + "/" + repoName)
}

// repoEventLine is one line of the checked-in nostr/repo-events.jsonl
type repoEventLine struct {
	Type      string       `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Event     *nostr.Event `json:"event"`
}

// ownerFromRepo recovers the current owner from the repository's own
// nostr/repo-events.jsonl on its default branch. Any validation failure
// is "no signal", never "not owner".
func (r *Resolver) ownerFromRepo(originalOwner, repoName string) (string, bool) {
	bare, err := repo.Get(r.cfg, originalOwner, repoName)
	if err != nil {
		return "", false
	}
	content, err := bare.ShowFile("HEAD", params.RepoEventsFile)
	if err != nil {
		return "", false
	}

	var sawAnnouncement bool
	var transfers []*nostr.Event
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec repoEventLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Event == nil {
			continue
		}
		switch rec.Event.Kind {
		case params.KindRepoAnnouncement:
			if rec.Event.PubKey != originalOwner {
				continue
			}
			if _, err := ParseAnnouncement(rec.Event, repoName); err == nil {
				sawAnnouncement = true
			}
		case params.KindOwnershipTransfer:
			transfers = append(transfers, rec.Event)
		}
	}
	if !sawAnnouncement {
		return "", false
	}
	return EvalOwnershipChain(originalOwner, transfers), true
}

// Announcement fetches and validates the repository's announcement.
// A nil announcement with a nil error means none was found.
func (r *Resolver) Announcement(ctx context.Context, originalOwner, repoName string) (*Announcement, error) {
	evs, err := r.fetcher.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{params.KindRepoAnnouncement},
		Authors: []string{originalOwner},
		Tags:    nostr.TagMap{"d": []string{repoName}},
	}})
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		if ann, err := ParseAnnouncement(ev, repoName); err == nil {
			return ann, nil
		}
	}
	return nil, nil
}

// Maintainers returns the additional allowed pushers of a repository.
// Only the latest maintainer-set event authored by the current owner
// is honored.
func (r *Resolver) Maintainers(ctx context.Context, originalOwner, repoName string) ([]string, error) {
	owner, err := r.CurrentOwner(ctx, originalOwner, repoName)
	if err != nil {
		return nil, err
	}
	latest, err := r.latestByOwner(ctx, params.KindMaintainers, owner, originalOwner, repoName)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}

	var maintainers []string
	for _, tag := range latest.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" {
			if !funk.ContainsString(maintainers, tag[1]) {
				maintainers = append(maintainers, tag[1])
			}
		}
	}
	return maintainers, nil
}

// IsMaintainer reports whether the actor is in the maintainer set
func (r *Resolver) IsMaintainer(ctx context.Context, actor, originalOwner, repoName string) (bool, error) {
	maintainers, err := r.Maintainers(ctx, originalOwner, repoName)
	if err != nil {
		return false, err
	}
	return funk.ContainsString(maintainers, actor), nil
}

// IsPrivate reports whether the latest announcement marks the
// repository private. No announcement means public.
func (r *Resolver) IsPrivate(ctx context.Context, originalOwner, repoName string) (bool, error) {
	ann, err := r.Announcement(ctx, originalOwner, repoName)
	if err != nil {
		return false, err
	}
	if ann == nil {
		return false, nil
	}
	return ann.IsPrivate(), nil
}

// CanView reports whether the actor may read the repository. Public
// repositories are readable by anyone, private ones by the current
// owner and the maintainers.
func (r *Resolver) CanView(ctx context.Context, actor, originalOwner, repoName string) (bool, error) {
	private, err := r.IsPrivate(ctx, originalOwner, repoName)
	if err != nil {
		return false, err
	}
	if !private {
		return true, nil
	}
	if actor == "" {
		return false, nil
	}
	owner, err := r.CurrentOwner(ctx, originalOwner, repoName)
	if err != nil {
		return false, err
	}
	if actor == owner {
		return true, nil
	}
	return r.IsMaintainer(ctx, actor, originalOwner, repoName)
}

// BranchProtection returns the policy of a branch, or nil when the
// branch is unlisted in the latest protection event.
func (r *Resolver) BranchProtection(ctx context.Context, originalOwner, repoName, branch string) (*BranchPolicy, error) {
	owner, err := r.CurrentOwner(ctx, originalOwner, repoName)
	if err != nil {
		return nil, err
	}
	latest, err := r.latestByOwner(ctx, params.KindBranchProtection, owner, originalOwner, repoName)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}

	var policies map[string]*BranchPolicy
	if err := json.Unmarshal([]byte(latest.Content), &policies); err != nil {
		r.log.Debug("Ignoring malformed branch protection content", "Repo", repoName)
		return nil, nil
	}
	return policies[branch], nil
}

// latestByOwner fetches the newest event of a kind that references the
// repository's address tag and was authored by the current owner.
func (r *Resolver) latestByOwner(ctx context.Context, kind int, owner, originalOwner, repoName string) (*nostr.Event, error) {
	evs, err := r.fetcher.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{kind},
		Authors: []string{owner},
		Tags:    nostr.TagMap{"a": []string{ATag(originalOwner, repoName)}},
	}})
	if err != nil {
		return nil, err
	}
	var latest *nostr.Event
	for _, ev := range evs {
		if ev.PubKey != owner || ev.Kind != kind {
			continue
		}
		if latest == nil || ev.CreatedAt > latest.CreatedAt {
			latest = ev
		}
	}
	return latest, nil
}

// CanPushToBranch decides whether the actor may update the branch. The
// current owner is always allowed. Maintainers are allowed plain
// updates on any branch; a history-rewriting update to a branch listed
// with allow-force-push=false is refused.
func (r *Resolver) CanPushToBranch(ctx context.Context, actor, originalOwner, repoName, branch string, isMaintainer, force bool) (bool, error) {
	owner, err := r.CurrentOwner(ctx, originalOwner, repoName)
	if err != nil {
		return false, err
	}
	if actor == owner {
		return true, nil
	}
	if !isMaintainer {
		return false, nil
	}
	pol, err := r.BranchProtection(ctx, originalOwner, repoName, branch)
	if err != nil {
		return false, err
	}
	if pol == nil {
		return true, nil
	}
	if force && !pol.AllowForcePush {
		return false, nil
	}
	return true, nil
}

// CanDeleteBranch decides whether the actor may delete the branch. A
// branch listed with allow-delete=false may only be deleted by the
// current owner.
func (r *Resolver) CanDeleteBranch(ctx context.Context, actor, originalOwner, repoName, branch string, isMaintainer bool) (bool, error) {
	owner, err := r.CurrentOwner(ctx, originalOwner, repoName)
	if err != nil {
		return false, err
	}
	if actor == owner {
		return true, nil
	}
	if !isMaintainer {
		return false, nil
	}
	pol, err := r.BranchProtection(ctx, originalOwner, repoName, branch)
	if err != nil {
		return false, err
	}
	if pol == nil {
		return true, nil
	}
	return pol.AllowDelete, nil
}

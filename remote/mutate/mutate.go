// Package mutate performs server-side repository mutations through
// transient worktrees: file writes and deletions, branch and tag
// management, and the signed-commit discipline that records each
// commit's Nostr identity both in the repository and on relays.
package mutate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/nostr/client"
	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/remote/repo"
	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
)

// Publisher pushes events to relays. Satisfied by the relay client.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event, relays ...string) (*client.PublishResult, error)
}

// Fetcher retrieves events; used to discover the owner's outbox relays
type Fetcher interface {
	Fetch(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error)
}

// AccessPolicy answers the privacy question that gates publishing
type AccessPolicy interface {
	IsPrivate(ctx context.Context, originalOwner, repoName string) (bool, error)
}

// Manager executes mutations against bare repositories
type Manager struct {
	cfg       *config.AppConfig
	log       logger.Logger
	publisher Publisher
	fetcher   Fetcher
	policy    AccessPolicy
}

// New creates a mutation manager. publisher, fetcher and policy may be
// nil in contexts that never publish signature events.
func New(cfg *config.AppConfig, publisher Publisher, fetcher Fetcher, policy AccessPolicy) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       cfg.G().Log.Module("mutate"),
		publisher: publisher,
		fetcher:   fetcher,
		policy:    policy,
	}
}

// WriteFile writes content to a file on the branch and commits it,
// creating the branch (and the repository's first branch) as needed.
// Returns the commit hash.
func (m *Manager) WriteFile(ctx context.Context, opts *Options, path string, content []byte, sgn signer.Signer) (string, error) {
	if err := checkOptions(opts); err != nil {
		return "", err
	}
	if err := checkFilePath(path); err != nil {
		return "", err
	}
	if err := checkContent(content); err != nil {
		return "", err
	}

	return m.withWorktree(ctx, opts, func(wt *repo.Worktree) error {
		abs, err := wt.ContainsPath(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return errors.Wrap(err, "failed to create parent directories")
		}
		if err := os.WriteFile(abs, content, 0o644); err != nil {
			return errors.Wrap(err, "failed to write file")
		}
		if _, err := wt.Exec("add", "--", path); err != nil {
			return errors.Wrap(err, "failed to stage file")
		}
		return nil
	}, opts.Message, sgn)
}

// DeleteFile removes a file on the branch and commits the removal
func (m *Manager) DeleteFile(ctx context.Context, opts *Options, path string, sgn signer.Signer) (string, error) {
	if err := checkOptions(opts); err != nil {
		return "", err
	}
	if err := checkFilePath(path); err != nil {
		return "", err
	}

	return m.withWorktree(ctx, opts, func(wt *repo.Worktree) error {
		if _, err := wt.ContainsPath(path); err != nil {
			return err
		}
		if _, err := wt.Exec("rm", "--", path); err != nil {
			return errors.Wrap(err, "failed to remove file")
		}
		return nil
	}, opts.Message, sgn)
}

// CreateBranch creates a branch. On an empty repository the branch is
// bootstrapped as the first (orphan) branch and becomes the default;
// otherwise it starts from fromBranch (or the engine's source fallback
// when fromBranch is empty).
func (m *Manager) CreateBranch(ownerNpub, repoName, branch, fromBranch string) error {
	if err := identifier.IsValidBranchName(branch); err != nil {
		return feE("branch", err.Error())
	}
	r, err := repo.GetByNpub(m.cfg, ownerNpub, repoName)
	if err != nil {
		return err
	}
	if r.HasBranch(branch) {
		return feE("branch", "branch already exists")
	}

	if fromBranch != "" {
		if err := identifier.IsValidBranchName(fromBranch); err != nil {
			return feE("fromBranch", err.Error())
		}
		if !r.HasBranch(fromBranch) {
			return feE("fromBranch", "source branch does not exist")
		}
		if _, err := repo.ExecGitCmd(m.cfg.Node.GitBinPath, r.Path, "branch", branch, fromBranch); err != nil {
			return errors.Wrap(err, "failed to create branch")
		}
		return nil
	}

	// No source named: let the worktree engine pick one, or bootstrap
	// an orphan first branch on an empty repository.
	wt, err := r.AcquireWorktree(branch)
	if err != nil {
		return err
	}
	wt.Release()
	return nil
}

// DeleteBranch removes a branch. The default branch is refused.
func (m *Manager) DeleteBranch(ownerNpub, repoName, branch string) error {
	if err := identifier.IsValidBranchName(branch); err != nil {
		return feE("branch", err.Error())
	}
	r, err := repo.GetByNpub(m.cfg, ownerNpub, repoName)
	if err != nil {
		return err
	}
	def, err := r.DefaultBranch()
	if err == nil && def == branch {
		return feE("branch", "cannot delete the default branch")
	}
	if !r.HasBranch(branch) {
		return feE("branch", "branch does not exist")
	}

	if _, err := repo.ExecGitCmd(m.cfg.Node.GitBinPath, r.Path, "branch", "-D", branch); err != nil {
		if derr := r.DeleteRef("refs/heads/" + branch); derr != nil {
			return errors.Wrap(err, "failed to delete branch")
		}
	}
	return nil
}

// CreateTag tags the head of a branch. With a message the tag is
// annotated; without one it is lightweight.
func (m *Manager) CreateTag(opts *Options, tag string) error {
	if err := identifier.IsValidBranchName(tag); err != nil {
		return feE("tag", err.Error())
	}
	r, err := repo.GetByNpub(m.cfg, opts.OwnerNpub, opts.RepoName)
	if err != nil {
		return err
	}
	if !r.HasBranch(opts.Branch) {
		return feE("branch", "branch does not exist")
	}

	var args []string
	if opts.Message != "" {
		args = []string{
			"-c", "user.name=" + opts.AuthorName,
			"-c", "user.email=" + opts.AuthorEmail,
			"tag", "-a", "-m", opts.Message, tag, opts.Branch,
		}
	} else {
		args = []string{"tag", tag, opts.Branch}
	}
	_, err = repo.ExecGitCmd(m.cfg.Node.GitBinPath, r.Path, args...)
	return errors.Wrap(err, "failed to create tag")
}

// RecordRepoEvent appends an event to the repository's checked-in
// nostr/repo-events.jsonl on the default branch.
func (m *Manager) RecordRepoEvent(ownerNpub, repoName, evType string, ev *nostr.Event) error {
	r, err := repo.GetByNpub(m.cfg, ownerNpub, repoName)
	if err != nil {
		return err
	}
	branch, err := r.DefaultBranch()
	if err != nil {
		branch = "main"
	}

	wt, err := r.AcquireWorktree(branch)
	if err != nil {
		return err
	}
	defer wt.Release()

	line, err := json.Marshal(map[string]interface{}{
		"type":      evType,
		"timestamp": int64(nostr.Now()),
		"event":     ev,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	if err := appendLine(wt, params.RepoEventsFile, line); err != nil {
		return err
	}
	if _, err := wt.Exec("add", "--", params.RepoEventsFile); err != nil {
		return errors.Wrap(err, "failed to stage event record")
	}
	_, err = wt.Exec(
		"-c", "user.name=gitd",
		"-c", "user.email=gitd@"+m.cfg.Remote.Domain,
		"commit", "-m", fmt.Sprintf("record %s event", evType))
	return errors.Wrap(err, "failed to commit event record")
}

// withWorktree acquires a worktree, lets stage prepare the index, then
// commits with the author identity and optional signature discipline.
func (m *Manager) withWorktree(ctx context.Context, opts *Options, stage func(*repo.Worktree) error, message string, sgn signer.Signer) (string, error) {
	r, err := repo.GetByNpub(m.cfg, opts.OwnerNpub, opts.RepoName)
	if err != nil {
		return "", err
	}
	wt, err := r.AcquireWorktree(opts.Branch)
	if err != nil {
		return "", err
	}
	defer wt.Release()

	if err := stage(wt); err != nil {
		return "", err
	}

	var sigEv *nostr.Event
	if sgn != nil {
		sigEv, err = BuildSignatureEvent(sgn, opts.AuthorName, opts.AuthorEmail, subjectOf(message))
		if err != nil {
			return "", errors.Wrap(err, "failed to build signature event")
		}
		message = Trailer(message, sigEv)

		line, err := json.Marshal(sigEv)
		if err != nil {
			return "", errors.Wrap(err, "failed to encode signature event")
		}
		if err := appendLine(wt, params.CommitSignaturesFile, line); err != nil {
			return "", err
		}
		if _, err := wt.Exec("add", "--", params.CommitSignaturesFile); err != nil {
			return "", errors.Wrap(err, "failed to stage signature record")
		}
	}

	if _, err := wt.Exec(
		"-c", "user.name="+opts.AuthorName,
		"-c", "user.email="+opts.AuthorEmail,
		"commit",
		"--author", fmt.Sprintf("%s <%s>", opts.AuthorName, opts.AuthorEmail),
		"-m", message); err != nil {
		return "", errors.Wrap(err, "failed to commit")
	}

	out, err := wt.Exec("rev-parse", "HEAD")
	if err != nil {
		return "", errors.Wrap(err, "failed to read commit hash")
	}
	hash := strings.TrimSpace(string(out))

	if sigEv != nil {
		if err := UpdateWithCommitHash(sigEv, hash, sgn); err != nil {
			m.log.Debug("Failed to restamp signature event", "Err", err.Error())
		}
		m.maybePublish(ctx, r, sigEv)
	}
	return hash, nil
}

// maybePublish pushes the signature event to the owner's outbox relays
// when the repository is public. Failure is logged, never surfaced.
func (m *Manager) maybePublish(ctx context.Context, r *repo.Repo, ev *nostr.Event) {
	if m.publisher == nil || m.policy == nil {
		return
	}
	private, err := m.policy.IsPrivate(ctx, r.OwnerHex, r.Name)
	if err != nil || private {
		return
	}
	relays := m.outboxRelays(ctx, r.OwnerHex)
	if _, err := m.publisher.Publish(ctx, ev, relays...); err != nil {
		m.log.Debug("Failed to publish signature event", "Repo", r.Name, "Err", err.Error())
	}
}

// outboxRelays merges the owner's kind-10002 relay list with the
// configured defaults.
func (m *Manager) outboxRelays(ctx context.Context, ownerHex string) []string {
	relays := append([]string{}, m.cfg.Relay.Relays...)
	if m.fetcher == nil {
		return relays
	}
	evs, err := m.fetcher.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{params.KindRelayList},
		Authors: []string{ownerHex},
	}})
	if err != nil {
		return relays
	}
	for _, ev := range evs {
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "r" && tag[1] != "" {
				if !funk.ContainsString(relays, tag[1]) {
					relays = append(relays, tag[1])
				}
			}
		}
	}
	return relays
}

// subjectOf returns the first line of a commit message
func subjectOf(message string) string {
	if i := strings.IndexByte(message, '\n'); i > -1 {
		return message[:i]
	}
	return message
}

// appendLine appends one JSONL line to a file in the worktree,
// creating the nostr directory as needed.
func appendLine(wt *repo.Worktree, relPath string, line []byte) error {
	abs, err := wt.ContainsPath(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errors.Wrap(err, "failed to create record directory")
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open record file")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "failed to append record")
	}
	return nil
}

// Package repo provides access to the bare repositories the gateway
// serves and the transient worktrees mutations are performed in. All
// paths are validated for strict containment under the repository root
// before any git invocation.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitplumbing "github.com/go-git/go-git/v5/plumbing"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/pkg/errors"
)

// ErrRepoNotFound indicates the bare repository does not exist on disk
var ErrRepoNotFound = fmt.Errorf("repository not found")

// Repo is a handle on one bare repository
type Repo struct {
	git *git.Repository

	// Path is the bare repository directory
	Path string

	// OwnerNpub and OwnerHex identify the owner namespace
	OwnerNpub string
	OwnerHex  string

	// Name is the repository name without the .git suffix
	Name string

	gitBinPath string
	repoRoot   string
}

// Get opens a bare repository by its owner's hex pubkey
func Get(cfg *config.AppConfig, ownerHex, repoName string) (*Repo, error) {
	npub, err := identifier.EncodeNpub(ownerHex)
	if err != nil {
		return nil, errors.Wrap(err, "bad owner")
	}
	return GetByNpub(cfg, npub, repoName)
}

// GetByNpub opens a bare repository by its owner's npub
func GetByNpub(cfg *config.AppConfig, ownerNpub, repoName string) (*Repo, error) {
	path, err := MakeRepoPath(cfg.GetRepoRoot(), ownerNpub, repoName)
	if err != nil {
		return nil, err
	}
	g, err := git.PlainOpen(path)
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, ErrRepoNotFound
		}
		return nil, errors.Wrap(err, "failed to open repository")
	}
	hex, _ := identifier.DecodeNpub(ownerNpub)
	return &Repo{
		git:        g,
		Path:       path,
		OwnerNpub:  ownerNpub,
		OwnerHex:   hex,
		Name:       repoName,
		gitBinPath: cfg.Node.GitBinPath,
		repoRoot:   cfg.GetRepoRoot(),
	}, nil
}

// Init creates a new bare repository in the owner's namespace
func Init(cfg *config.AppConfig, ownerNpub, repoName string) (*Repo, error) {
	path, err := MakeRepoPath(cfg.GetRepoRoot(), ownerNpub, repoName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create owner namespace")
	}
	if _, err := git.PlainInit(path, true); err != nil {
		return nil, errors.Wrap(err, "failed to init repository")
	}
	r, err := GetByNpub(cfg, ownerNpub, repoName)
	if err != nil {
		return nil, err
	}
	if err := r.EnsureReceivePack(); err != nil {
		return nil, err
	}
	return r, nil
}

// Git exposes the underlying go-git repository
func (r *Repo) Git() *git.Repository {
	return r.git
}

// OwnerDir returns the owner namespace directory that holds this
// repository. The git backend is rooted here so PATH_INFO can carry
// the <repo>.git segment.
func (r *Repo) OwnerDir() string {
	return filepath.Dir(r.Path)
}

// EnsureReceivePack sets http.receivepack=true on the bare repository.
// Idempotent.
func (r *Repo) EnsureReceivePack() error {
	_, err := ExecGitCmd(r.gitBinPath, r.Path, "config", "http.receivepack", "true")
	return errors.Wrap(err, "failed to enable receive-pack")
}

// ShowFile returns the content of a file at a revision, without
// touching any worktree.
func (r *Repo) ShowFile(rev, path string) (string, error) {
	out, err := ExecGitCmd(r.gitBinPath, r.Path, "show", rev+":"+path)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Branches enumerates the repository's branch names
func (r *Repo) Branches() ([]string, error) {
	iter, err := r.git.References()
	if err != nil {
		return nil, err
	}
	var branches []string
	_ = iter.ForEach(func(ref *gitplumbing.Reference) error {
		if ref.Name().IsBranch() {
			branches = append(branches, ref.Name().Short())
		}
		return nil
	})
	return branches, nil
}

// HasBranch reports whether the named branch exists
func (r *Repo) HasBranch(branch string) bool {
	_, err := r.git.Reference(gitplumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

// IsEmpty reports whether the repository has no branches at all
func (r *Repo) IsEmpty() (bool, error) {
	branches, err := r.Branches()
	if err != nil {
		return false, err
	}
	return len(branches) == 0, nil
}

// DefaultBranch returns the branch HEAD points at
func (r *Repo) DefaultBranch() (string, error) {
	ref, err := r.git.Reference(gitplumbing.HEAD, false)
	if err != nil {
		return "", errors.Wrap(err, "failed to read HEAD")
	}
	if ref.Type() != gitplumbing.SymbolicReference {
		return "", fmt.Errorf("HEAD is not symbolic")
	}
	return ref.Target().Short(), nil
}

// SetDefaultBranch points the bare repository's symbolic HEAD at the
// named branch.
func (r *Repo) SetDefaultBranch(branch string) error {
	_, err := ExecGitCmd(r.gitBinPath, r.Path, "symbolic-ref", "HEAD", "refs/heads/"+branch)
	return errors.Wrap(err, "failed to update HEAD")
}

// IsNonFastForward reports whether moving a ref from oldHash to
// newHash would discard commits. The answer is decidable only when
// both objects are already in the repository; unknown objects report
// false and the decision falls to the backend.
func (r *Repo) IsNonFastForward(oldHash, newHash string) bool {
	oldCommit, err := r.git.CommitObject(gitplumbing.NewHash(oldHash))
	if err != nil {
		return false
	}
	newCommit, err := r.git.CommitObject(gitplumbing.NewHash(newHash))
	if err != nil {
		return false
	}
	isAncestor, err := oldCommit.IsAncestor(newCommit)
	if err != nil {
		return false
	}
	return !isAncestor
}

// RefHash returns the commit hash a reference resolves to
func (r *Repo) RefHash(refname string) (string, error) {
	out, err := ExecGitCmd(r.gitBinPath, r.Path, "rev-parse", "--verify", "--quiet", refname)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// DeleteRef removes a reference from the bare repository
func (r *Repo) DeleteRef(refname string) error {
	_, err := ExecGitCmd(r.gitBinPath, r.Path, "update-ref", "-d", refname)
	return err
}

// WorktreesRoot returns the directory that holds this repository's
// transient worktrees.
func (r *Repo) WorktreesRoot() string {
	return strings.TrimSuffix(r.Path, ".git") + ".worktrees"
}

package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/pkg/errors"
)

// wtLocks serializes mutations per (repo path, branch) key. At most one
// worktree for a given branch of a repository is in flight at a time
// within this process.
var wtLocks = struct {
	sync.Mutex
	m map[string]*sync.Mutex
}{m: make(map[string]*sync.Mutex)}

func lockFor(key string) *sync.Mutex {
	wtLocks.Lock()
	defer wtLocks.Unlock()
	mu, ok := wtLocks.m[key]
	if !ok {
		mu = &sync.Mutex{}
		wtLocks.m[key] = mu
	}
	return mu
}

// Worktree is an exclusively-held transient checkout of one branch
type Worktree struct {
	// Path is the worktree directory
	Path string

	// Branch is the checked-out branch
	Branch string

	repo    *Repo
	mu      *sync.Mutex
	release sync.Once
}

// worktreeEntry is one stanza of `git worktree list --porcelain`
type worktreeEntry struct {
	path   string
	branch string
}

func (r *Repo) listWorktrees() ([]worktreeEntry, error) {
	out, err := ExecGitCmd(r.gitBinPath, r.Path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list worktrees")
	}
	var entries []worktreeEntry
	var cur worktreeEntry
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if cur.path != "" {
				entries = append(entries, cur)
			}
			cur = worktreeEntry{}
		case strings.HasPrefix(line, "worktree "):
			cur.path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			cur.branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.path != "" {
		entries = append(entries, cur)
	}
	return entries, nil
}

// removeWorktree detaches a worktree from the bare repository. Best
// effort first, then forced, then plain directory removal.
func (r *Repo) removeWorktree(path string) {
	if _, err := ExecGitCmd(r.gitBinPath, r.Path, "worktree", "remove", path); err == nil {
		return
	}
	if _, err := ExecGitCmd(r.gitBinPath, r.Path, "worktree", "remove", "--force", path); err == nil {
		return
	}
	os.RemoveAll(path)
	ExecGitCmd(r.gitBinPath, r.Path, "worktree", "prune")
}

// branchSource picks the ref a new branch should start from: HEAD if it
// resolves, then main, then master, then the first existing branch.
func (r *Repo) branchSource() (string, error) {
	if _, err := r.RefHash("HEAD"); err == nil {
		return "HEAD", nil
	}
	for _, cand := range []string{"main", "master"} {
		if r.HasBranch(cand) {
			return cand, nil
		}
	}
	branches, err := r.Branches()
	if err != nil {
		return "", err
	}
	if len(branches) > 0 {
		return branches[0], nil
	}
	return "", fmt.Errorf("repository has no branches")
}

// BootstrapBranch creates the branch from a bare empty commit. Stands
// in for an orphan worktree on git versions that cannot create one.
func (r *Repo) BootstrapBranch(branch string) error {
	tree, err := ExecGitCmd(r.gitBinPath, r.Path, "mktree")
	if err != nil {
		return errors.Wrap(err, "failed to write the empty tree")
	}
	commit, err := ExecGitCmd(r.gitBinPath, r.Path,
		"-c", "user.name=gitd", "-c", "user.email=gitd@localhost",
		"commit-tree", strings.TrimSpace(string(tree)), "-m", "initialize "+branch)
	if err != nil {
		return errors.Wrap(err, "failed to write the bootstrap commit")
	}
	_, err = ExecGitCmd(r.gitBinPath, r.Path, "update-ref",
		"refs/heads/"+branch, strings.TrimSpace(string(commit)))
	return errors.Wrap(err, "failed to create branch")
}

// AcquireWorktree returns an exclusively-held checkout of the branch,
// creating the branch (or, on an empty repository, an orphan first
// branch) when it does not exist. The caller must Release it.
func (r *Repo) AcquireWorktree(branch string) (*Worktree, error) {
	if err := identifier.IsValidBranchName(branch); err != nil {
		return nil, err
	}

	wtRoot := r.WorktreesRoot()
	path := filepath.Clean(filepath.Join(wtRoot, branch))
	if !isStrictlyBelow(path, wtRoot) {
		return nil, fmt.Errorf("resolved worktree path escapes the worktrees root")
	}

	mu := lockFor(r.Path + "\x00" + branch)
	mu.Lock()

	wt, err := r.setupWorktree(path, branch)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	wt.mu = mu
	return wt, nil
}

func (r *Repo) setupWorktree(path, branch string) (*Worktree, error) {
	if err := os.MkdirAll(r.WorktreesRoot(), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create worktrees root")
	}

	// A worktree for this branch at a different path is stale; remove it
	entries, err := r.listWorktrees()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.branch == branch && filepath.Clean(e.path) != path {
			r.removeWorktree(e.path)
		}
	}

	// Reuse an existing checkout when it is still sane
	if _, err := os.Stat(path); err == nil {
		if _, err := ExecGitCmd(r.gitBinPath, path, "status", "--porcelain"); err == nil {
			return &Worktree{Path: path, Branch: branch, repo: r}, nil
		}
		r.removeWorktree(path)
	}

	if r.HasBranch(branch) {
		if _, err := ExecGitCmd(r.gitBinPath, r.Path, "worktree", "add", path, branch); err != nil {
			return nil, errors.Wrap(err, "failed to add worktree")
		}
		return &Worktree{Path: path, Branch: branch, repo: r}, nil
	}

	empty, err := r.IsEmpty()
	if err != nil {
		return nil, err
	}
	if empty {
		// First branch of an empty repository: orphan checkout, then
		// point the bare HEAD at it. git before 2.42 cannot add orphan
		// worktrees; an empty bootstrap commit stands in for the
		// unborn branch there.
		if _, err := ExecGitCmd(r.gitBinPath, r.Path, "worktree", "add", "--orphan", "-b", branch, path); err != nil {
			if berr := r.BootstrapBranch(branch); berr != nil {
				return nil, errors.Wrap(err, "failed to add orphan worktree")
			}
			if _, err := ExecGitCmd(r.gitBinPath, r.Path, "worktree", "add", path, branch); err != nil {
				return nil, errors.Wrap(err, "failed to add worktree")
			}
		}
		if err := r.SetDefaultBranch(branch); err != nil {
			return nil, err
		}
		return &Worktree{Path: path, Branch: branch, repo: r}, nil
	}

	src, err := r.branchSource()
	if err != nil {
		return nil, err
	}
	if _, err := ExecGitCmd(r.gitBinPath, r.Path, "branch", branch, src); err != nil {
		return nil, errors.Wrap(err, "failed to create branch")
	}
	if _, err := ExecGitCmd(r.gitBinPath, r.Path, "worktree", "add", path, branch); err != nil {
		return nil, errors.Wrap(err, "failed to add worktree")
	}
	return &Worktree{Path: path, Branch: branch, repo: r}, nil
}

// Release detaches the worktree and gives up the branch lock. Safe to
// call more than once.
func (w *Worktree) Release() {
	w.release.Do(func() {
		w.repo.removeWorktree(w.Path)
		if w.mu != nil {
			w.mu.Unlock()
		}
	})
}

// Exec runs a git command inside the worktree
func (w *Worktree) Exec(args ...string) ([]byte, error) {
	return ExecGitCmd(w.repo.gitBinPath, w.Path, args...)
}

// ContainsPath verifies that a relative file path resolves strictly
// below the worktree root and returns the absolute path.
func (w *Worktree) ContainsPath(relPath string) (string, error) {
	abs := filepath.Clean(filepath.Join(w.Path, relPath))
	if !isStrictlyBelow(abs, w.Path) {
		return "", fmt.Errorf("path escapes the worktree")
	}
	return abs, nil
}

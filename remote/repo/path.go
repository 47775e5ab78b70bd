package repo

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/pkg/errors"
)

// isStrictlyBelow reports whether child resolves to a path strictly
// below parent. Both must already be absolute and cleaned.
func isStrictlyBelow(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// MakeRepoPath resolves the bare repository path for an owner and
// repository name, enforcing that the owner segment is a valid npub,
// the name is a valid repository name and the resolved path is
// strictly below the repository root.
func MakeRepoPath(repoRoot, ownerNpub, repoName string) (string, error) {
	if _, err := identifier.DecodeNpub(ownerNpub); err != nil {
		return "", errors.Wrap(err, "bad owner")
	}
	if err := identifier.IsValidRepoName(repoName); err != nil {
		return "", errors.Wrap(err, "bad repository name")
	}

	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", errors.Wrap(err, "bad repository root")
	}
	path := filepath.Clean(filepath.Join(root, ownerNpub, repoName+".git"))
	if !isStrictlyBelow(path, root) {
		return "", fmt.Errorf("resolved path escapes the repository root")
	}
	return path, nil
}

// MakeWorktreesRoot resolves the directory that holds a repository's
// transient worktrees. It sits beside the bare repository in the owner
// namespace.
func MakeWorktreesRoot(repoRoot, ownerNpub, repoName string) (string, error) {
	repoPath, err := MakeRepoPath(repoRoot, ownerNpub, repoName)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(repoPath, ".git") + ".worktrees", nil
}

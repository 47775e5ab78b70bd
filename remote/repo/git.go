package repo

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/gitrepublic/gitd/params"
	"github.com/pkg/errors"
)

// ExecGitCmd executes a git command in the given repository directory
// and returns its combined output.
func ExecGitCmd(gitBinPath, repoDir string, args ...string) ([]byte, error) {
	cmd := exec.Command(gitBinPath, args...)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errors.Wrap(err, fmt.Sprintf("exec error: cmd=%s, output=%s",
			cmd.String(), string(out)))
	}
	return out, nil
}

var gitVersionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// GitVersion returns the version of the git binary at the given path
func GitVersion(gitBinPath string) (*semver.Version, error) {
	out, err := exec.Command(gitBinPath, "version").CombinedOutput()
	if err != nil {
		return nil, errors.Wrap(err, "failed to run git")
	}
	m := gitVersionRe.FindString(strings.TrimSpace(string(out)))
	if m == "" {
		return nil, fmt.Errorf("unexpected git version output: %s", strings.TrimSpace(string(out)))
	}
	return semver.NewVersion(m)
}

// CheckGitVersion verifies that the git binary meets the minimum
// supported version.
func CheckGitVersion(gitBinPath string) error {
	v, err := GitVersion(gitBinPath)
	if err != nil {
		return err
	}
	if v.LessThan(*semver.New(params.MinGitVersion)) {
		return fmt.Errorf("git version %s is too old; at least %s is required", v, params.MinGitVersion)
	}
	return nil
}

// SupportsOrphanWorktree reports whether the git binary can create
// orphan worktrees for first-branch bootstrap on an empty repository.
func SupportsOrphanWorktree(gitBinPath string) bool {
	v, err := GitVersion(gitBinPath)
	if err != nil {
		return false
	}
	return !v.LessThan(*semver.New(params.OrphanWorktreeGitVersion))
}

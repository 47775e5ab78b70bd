package repo_test

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/remote/repo"
	"github.com/gitrepublic/gitd/testutil"
	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/nbd-wtf/go-nostr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func testNpub() string {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	Expect(err).To(BeNil())
	npub, err := identifier.EncodeNpub(pk)
	Expect(err).To(BeNil())
	return npub
}

// seedCommit pushes one commit containing a.txt to the bare repository
// through a throwaway clone.
func seedCommit(cfg *config.AppConfig, r *repo.Repo) {
	tmp := filepath.Join(cfg.DataDir(), "seed")
	Expect(os.MkdirAll(tmp, 0o755)).To(BeNil())
	_, err := repo.ExecGitCmd("git", tmp, "init", "-b", "main", ".")
	Expect(err).To(BeNil())
	Expect(os.WriteFile(filepath.Join(tmp, "a.txt"), []byte("hello\n"), 0o644)).To(BeNil())
	_, err = repo.ExecGitCmd("git", tmp, "add", "a.txt")
	Expect(err).To(BeNil())
	_, err = repo.ExecGitCmd("git", tmp, "-c", "user.name=test", "-c", "user.email=test@example.org",
		"commit", "-m", "first")
	Expect(err).To(BeNil())
	_, err = repo.ExecGitCmd("git", tmp, "push", r.Path, "main:main")
	Expect(err).To(BeNil())
	Expect(r.SetDefaultBranch("main")).To(BeNil())
	Expect(os.RemoveAll(tmp)).To(BeNil())
}

var _ = Describe("Repo", func() {
	var cfg *config.AppConfig
	var npub string

	BeforeEach(func() {
		var err error
		cfg, err = testutil.SetTestCfg()
		Expect(err).To(BeNil())
		npub = testNpub()
	})

	AfterEach(func() {
		Expect(os.RemoveAll(cfg.DataDir())).To(BeNil())
	})

	Describe(".MakeRepoPath", func() {
		It("should resolve a path under the repository root", func() {
			p, err := repo.MakeRepoPath(cfg.GetRepoRoot(), npub, "myrepo")
			Expect(err).To(BeNil())
			Expect(p).To(Equal(filepath.Join(cfg.GetRepoRoot(), npub, "myrepo.git")))
		})

		It("should reject an owner segment that is not an npub", func() {
			_, err := repo.MakeRepoPath(cfg.GetRepoRoot(), "not-an-npub", "myrepo")
			Expect(err).ToNot(BeNil())
			Expect(err.Error()).To(ContainSubstring("bad owner"))
		})

		It("should reject a repository name with path separators", func() {
			_, err := repo.MakeRepoPath(cfg.GetRepoRoot(), npub, "a/b")
			Expect(err).ToNot(BeNil())
		})

		It("should reject relative path elements as names", func() {
			_, err := repo.MakeRepoPath(cfg.GetRepoRoot(), npub, "..")
			Expect(err).ToNot(BeNil())
		})
	})

	Describe(".Init", func() {
		It("should create a bare repository with receive-pack enabled", func() {
			r, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			Expect(r.Path).To(Equal(filepath.Join(cfg.GetRepoRoot(), npub, "myrepo.git")))

			out, err := repo.ExecGitCmd("git", r.Path, "config", "http.receivepack")
			Expect(err).To(BeNil())
			Expect(strings.TrimSpace(string(out))).To(Equal("true"))

			empty, err := r.IsEmpty()
			Expect(err).To(BeNil())
			Expect(empty).To(BeTrue())
		})
	})

	Describe(".Get", func() {
		It("should open a repository by the owner's hex pubkey", func() {
			_, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())

			hex, err := identifier.DecodeNpub(npub)
			Expect(err).To(BeNil())
			r, err := repo.Get(cfg, hex, "myrepo")
			Expect(err).To(BeNil())
			Expect(r.OwnerNpub).To(Equal(npub))
		})

		It("should return ErrRepoNotFound for a missing repository", func() {
			_, err := repo.GetByNpub(cfg, npub, "nothere")
			Expect(err).To(Equal(repo.ErrRepoNotFound))
		})
	})

	Describe(".ShowFile", func() {
		It("should read a committed file without a worktree", func() {
			r, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			seedCommit(cfg, r)

			content, err := r.ShowFile("main", "a.txt")
			Expect(err).To(BeNil())
			Expect(content).To(Equal("hello\n"))
		})

		It("should fail for an unknown path", func() {
			r, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			seedCommit(cfg, r)

			_, err = r.ShowFile("main", "missing.txt")
			Expect(err).ToNot(BeNil())
		})
	})

	Describe(".DefaultBranch", func() {
		It("should return the branch HEAD points at", func() {
			r, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			seedCommit(cfg, r)

			def, err := r.DefaultBranch()
			Expect(err).To(BeNil())
			Expect(def).To(Equal("main"))
		})
	})

	Describe(".IsNonFastForward", func() {
		It("should detect a rewind between known commits", func() {
			r, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			seedCommit(cfg, r)
			first, err := r.RefHash("refs/heads/main")
			Expect(err).To(BeNil())

			tmp := filepath.Join(cfg.DataDir(), "second")
			Expect(os.MkdirAll(tmp, 0o755)).To(BeNil())
			_, err = repo.ExecGitCmd("git", cfg.DataDir(), "clone", r.Path, tmp)
			Expect(err).To(BeNil())
			Expect(os.WriteFile(filepath.Join(tmp, "b.txt"), []byte("more\n"), 0o644)).To(BeNil())
			_, err = repo.ExecGitCmd("git", tmp, "add", "b.txt")
			Expect(err).To(BeNil())
			_, err = repo.ExecGitCmd("git", tmp, "-c", "user.name=test", "-c", "user.email=test@example.org",
				"commit", "-m", "second")
			Expect(err).To(BeNil())
			_, err = repo.ExecGitCmd("git", tmp, "push", "origin", "main:main")
			Expect(err).To(BeNil())

			// reopen so the handle sees the pushed pack
			r, err = repo.GetByNpub(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			second, err := r.RefHash("refs/heads/main")
			Expect(err).To(BeNil())

			Expect(r.IsNonFastForward(first, second)).To(BeFalse())
			Expect(r.IsNonFastForward(second, first)).To(BeTrue())
		})

		It("should report false when either object is unknown", func() {
			r, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			seedCommit(cfg, r)
			head, err := r.RefHash("refs/heads/main")
			Expect(err).To(BeNil())
			unknown := strings.Repeat("c", 40)
			Expect(r.IsNonFastForward(head, unknown)).To(BeFalse())
			Expect(r.IsNonFastForward(unknown, head)).To(BeFalse())
		})
	})

	Describe(".Branches", func() {
		It("should enumerate branch names", func() {
			r, err := repo.Init(cfg, npub, "myrepo")
			Expect(err).To(BeNil())
			seedCommit(cfg, r)
			_, err = repo.ExecGitCmd("git", r.Path, "branch", "dev", "main")
			Expect(err).To(BeNil())

			branches, err := r.Branches()
			Expect(err).To(BeNil())
			Expect(branches).To(ConsistOf("main", "dev"))
		})
	})
})

var _ = Describe("Worktree", func() {
	var cfg *config.AppConfig
	var r *repo.Repo

	BeforeEach(func() {
		var err error
		cfg, err = testutil.SetTestCfg()
		Expect(err).To(BeNil())
		r, err = repo.Init(cfg, testNpub(), "myrepo")
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(cfg.DataDir())).To(BeNil())
	})

	Describe(".AcquireWorktree", func() {
		It("should reject an invalid branch name", func() {
			_, err := r.AcquireWorktree("refs/heads/x")
			Expect(err).ToNot(BeNil())
		})

		It("should check out an existing branch", func() {
			seedCommit(cfg, r)
			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			defer wt.Release()
			Expect(wt.Path).To(Equal(filepath.Join(r.WorktreesRoot(), "main")))
			_, err = os.Stat(filepath.Join(wt.Path, "a.txt"))
			Expect(err).To(BeNil())
		})

		It("should create a missing branch from the default branch", func() {
			seedCommit(cfg, r)
			wt, err := r.AcquireWorktree("feature")
			Expect(err).To(BeNil())
			defer wt.Release()
			Expect(r.HasBranch("feature")).To(BeTrue())
			_, err = os.Stat(filepath.Join(wt.Path, "a.txt"))
			Expect(err).To(BeNil())
		})

		It("should bootstrap the first branch of an empty repository", func() {
			if !repo.SupportsOrphanWorktree("git") {
				Skip("git does not support orphan worktrees")
			}
			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			defer wt.Release()

			def, err := r.DefaultBranch()
			Expect(err).To(BeNil())
			Expect(def).To(Equal("main"))
		})

		It("should create a first branch from an empty bootstrap commit", func() {
			Expect(r.BootstrapBranch("main")).To(BeNil())
			Expect(r.HasBranch("main")).To(BeTrue())

			out, err := repo.ExecGitCmd("git", r.Path, "log", "--oneline", "refs/heads/main")
			Expect(err).To(BeNil())
			Expect(string(out)).To(ContainSubstring("initialize main"))

			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			defer wt.Release()
		})

		It("should commit through the worktree into the bare repository", func() {
			seedCommit(cfg, r)
			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			defer wt.Release()

			Expect(os.WriteFile(filepath.Join(wt.Path, "b.txt"), []byte("b\n"), 0o644)).To(BeNil())
			_, err = wt.Exec("add", "b.txt")
			Expect(err).To(BeNil())
			_, err = wt.Exec("-c", "user.name=test", "-c", "user.email=test@example.org",
				"commit", "-m", "add b")
			Expect(err).To(BeNil())

			content, err := r.ShowFile("main", "b.txt")
			Expect(err).To(BeNil())
			Expect(content).To(Equal("b\n"))
		})
	})

	Describe(".Release", func() {
		It("should remove the worktree directory", func() {
			seedCommit(cfg, r)
			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			wt.Release()
			_, err = os.Stat(wt.Path)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("should allow re-acquiring after release", func() {
			seedCommit(cfg, r)
			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			wt.Release()

			wt2, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			defer wt2.Release()
			Expect(wt2.Path).To(Equal(wt.Path))
		})
	})

	Describe(".ContainsPath", func() {
		It("should resolve a safe relative path", func() {
			seedCommit(cfg, r)
			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			defer wt.Release()

			abs, err := wt.ContainsPath("docs/readme.md")
			Expect(err).To(BeNil())
			Expect(abs).To(Equal(filepath.Join(wt.Path, "docs", "readme.md")))
		})

		It("should reject traversal out of the worktree", func() {
			seedCommit(cfg, r)
			wt, err := r.AcquireWorktree("main")
			Expect(err).To(BeNil())
			defer wt.Release()

			_, err = wt.ContainsPath("../../escape.txt")
			Expect(err).ToNot(BeNil())
		})
	})
})

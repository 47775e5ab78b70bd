package mutate_test

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/mocks"
	"github.com/gitrepublic/gitd/nostr/client"
	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/remote/mutate"
	"github.com/gitrepublic/gitd/remote/repo"
	"github.com/gitrepublic/gitd/testutil"
	"github.com/gitrepublic/gitd/util/identifier"
	"github.com/golang/mock/gomock"
	"github.com/nbd-wtf/go-nostr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

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

func countLines(content string) int {
	n := 0
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

var _ = Describe("Signature events", func() {
	var sk string
	var raw *signer.RawKey

	BeforeEach(func() {
		sk = nostr.GeneratePrivateKey()
		var err error
		raw, err = signer.NewRawKey(sk)
		Expect(err).To(BeNil())
	})

	Describe(".BuildSignatureEvent", func() {
		It("should produce a signed kind-1640 event with author and message tags", func() {
			ev, err := mutate.BuildSignatureEvent(raw, "Alice", "alice@example.org", "fix parser")
			Expect(err).To(BeNil())
			Expect(ev.Kind).To(Equal(params.KindCommitSignature))
			ok, err := ev.CheckSignature()
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			author := ev.Tags.GetFirst([]string{"author"})
			Expect(author).ToNot(BeNil())
			Expect([]string(*author)).To(Equal([]string{"author", "Alice", "alice@example.org"}))
			msg := ev.Tags.GetFirst([]string{"message"})
			Expect(msg.Value()).To(Equal("fix parser"))
		})

		It("should reference the authorizing event for a proxy signer", func() {
			proofSk := nostr.GeneratePrivateKey()
			proof := &nostr.Event{Kind: params.KindHTTPAuth, CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
			Expect(proof.Sign(proofSk)).To(BeNil())
			proxy, err := signer.NewNIP98Proxy(proof)
			Expect(err).To(BeNil())

			ev, err := mutate.BuildSignatureEvent(proxy, "Bob", "bob@example.org", "update docs")
			Expect(err).To(BeNil())
			Expect(ev.Sig).To(BeEmpty())
			Expect(ev.ID).ToNot(BeEmpty())

			eTag := ev.Tags.GetFirst([]string{"e"})
			Expect(eTag).ToNot(BeNil())
			Expect([]string(*eTag)).To(Equal([]string{"e", proof.ID, "", "nip98-auth"}))
		})
	})

	Describe(".Trailer", func() {
		It("should render the exact trailer shape", func() {
			ev, err := mutate.BuildSignatureEvent(raw, "Alice", "alice@example.org", "subject")
			Expect(err).To(BeNil())
			got := mutate.Trailer("subject", ev)
			Expect(got).To(Equal(fmt.Sprintf("subject\n\nNostr-Signature: %s %s %s",
				ev.ID, ev.PubKey, ev.Sig)))
		})
	})

	Describe(".UpdateWithCommitHash", func() {
		It("should re-sign when the signer holds a key", func() {
			ev, err := mutate.BuildSignatureEvent(raw, "Alice", "alice@example.org", "subject")
			Expect(err).To(BeNil())
			Expect(mutate.UpdateWithCommitHash(ev, "deadbeef", raw)).To(BeNil())

			commit := ev.Tags.GetFirst([]string{"commit"})
			Expect(commit.Value()).To(Equal("deadbeef"))
			ok, err := ev.CheckSignature()
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())
		})

		It("should recompute the id without re-signing for a proxy", func() {
			proofSk := nostr.GeneratePrivateKey()
			proof := &nostr.Event{Kind: params.KindHTTPAuth, CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
			Expect(proof.Sign(proofSk)).To(BeNil())
			proxy, err := signer.NewNIP98Proxy(proof)
			Expect(err).To(BeNil())

			ev, err := mutate.BuildSignatureEvent(proxy, "Bob", "bob@example.org", "subject")
			Expect(err).To(BeNil())
			oldID := ev.ID
			Expect(mutate.UpdateWithCommitHash(ev, "deadbeef", proxy)).To(BeNil())
			Expect(ev.ID).ToNot(Equal(oldID))
			Expect(ev.ID).To(Equal(ev.GetID()))
			Expect(ev.Sig).To(BeEmpty())
		})
	})
})

var _ = Describe("Manager", func() {
	var cfg *config.AppConfig
	var m *mutate.Manager
	var r *repo.Repo
	var npub string
	var opts *mutate.Options
	var ctx context.Context

	BeforeEach(func() {
		var err error
		cfg, err = testutil.SetTestCfg()
		Expect(err).To(BeNil())
		m = mutate.New(cfg, nil, nil, nil)
		ctx = context.Background()

		sk := nostr.GeneratePrivateKey()
		pk, err := nostr.GetPublicKey(sk)
		Expect(err).To(BeNil())
		npub, err = identifier.EncodeNpub(pk)
		Expect(err).To(BeNil())

		r, err = repo.Init(cfg, npub, "myrepo")
		Expect(err).To(BeNil())
		seedCommit(cfg, r)

		opts = &mutate.Options{
			OwnerNpub:   npub,
			RepoName:    "myrepo",
			Branch:      "main",
			AuthorName:  "Alice",
			AuthorEmail: "alice@example.org",
			Message:     "update file",
		}
	})

	AfterEach(func() {
		Expect(os.RemoveAll(cfg.DataDir())).To(BeNil())
	})

	Describe(".WriteFile", func() {
		It("should reject an empty commit message", func() {
			opts.Message = ""
			_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b"), nil)
			Expect(err).ToNot(BeNil())
		})

		It("should reject an over-long commit message", func() {
			opts.Message = strings.Repeat("m", params.MaxCommitMsgLen+1)
			_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b"), nil)
			Expect(err).ToNot(BeNil())
		})

		It("should reject a bad author email", func() {
			opts.AuthorEmail = "not-an-email"
			_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b"), nil)
			Expect(err).ToNot(BeNil())
		})

		It("should reject absolute and traversing paths", func() {
			_, err := m.WriteFile(ctx, opts, "/etc/passwd", []byte("x"), nil)
			Expect(err).ToNot(BeNil())
			_, err = m.WriteFile(ctx, opts, "../escape.txt", []byte("x"), nil)
			Expect(err).ToNot(BeNil())
		})

		It("should commit the file with the author identity", func() {
			hash, err := m.WriteFile(ctx, opts, "docs/notes.md", []byte("notes\n"), nil)
			Expect(err).To(BeNil())
			Expect(hash).To(HaveLen(40))

			content, err := r.ShowFile("main", "docs/notes.md")
			Expect(err).To(BeNil())
			Expect(content).To(Equal("notes\n"))

			out, err := repo.ExecGitCmd("git", r.Path, "log", "-1", "--format=%an <%ae>", "main")
			Expect(err).To(BeNil())
			Expect(strings.TrimSpace(string(out))).To(Equal("Alice <alice@example.org>"))
		})

		It("should not leave a worktree behind", func() {
			_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b\n"), nil)
			Expect(err).To(BeNil())
			_, err = os.Stat(filepath.Join(r.WorktreesRoot(), "main"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		Context("with a signing key", func() {
			var raw *signer.RawKey

			BeforeEach(func() {
				var err error
				raw, err = signer.NewRawKey(nostr.GeneratePrivateKey())
				Expect(err).To(BeNil())
			})

			It("should append exactly one signature record and a trailer", func() {
				_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b\n"), raw)
				Expect(err).To(BeNil())

				content, err := r.ShowFile("main", params.CommitSignaturesFile)
				Expect(err).To(BeNil())
				Expect(countLines(content)).To(Equal(1))

				out, err := repo.ExecGitCmd("git", r.Path, "log", "-1", "--format=%B", "main")
				Expect(err).To(BeNil())
				Expect(string(out)).To(ContainSubstring("\n\nNostr-Signature: "))
			})

			It("should append no record for an unsigned commit", func() {
				_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b\n"), nil)
				Expect(err).To(BeNil())
				_, err = r.ShowFile("main", params.CommitSignaturesFile)
				Expect(err).ToNot(BeNil())
			})
		})
	})

	Describe(".DeleteFile", func() {
		It("should remove the file and commit", func() {
			opts.Message = "remove a"
			_, err := m.DeleteFile(ctx, opts, "a.txt", nil)
			Expect(err).To(BeNil())
			_, err = r.ShowFile("main", "a.txt")
			Expect(err).ToNot(BeNil())
		})

		It("should fail for a missing file", func() {
			_, err := m.DeleteFile(ctx, opts, "nothere.txt", nil)
			Expect(err).ToNot(BeNil())
		})
	})

	Describe(".CreateBranch", func() {
		It("should create a branch from a named source", func() {
			Expect(m.CreateBranch(npub, "myrepo", "dev", "main")).To(BeNil())
			Expect(r.HasBranch("dev")).To(BeTrue())
		})

		It("should refuse an existing branch", func() {
			err := m.CreateBranch(npub, "myrepo", "main", "")
			Expect(err).ToNot(BeNil())
		})

		It("should refuse a missing source branch", func() {
			err := m.CreateBranch(npub, "myrepo", "dev", "nothere")
			Expect(err).ToNot(BeNil())
		})
	})

	Describe(".DeleteBranch", func() {
		It("should refuse the default branch", func() {
			err := m.DeleteBranch(npub, "myrepo", "main")
			Expect(err).ToNot(BeNil())
			Expect(err.Error()).To(ContainSubstring("default branch"))
		})

		It("should delete a non-default branch", func() {
			Expect(m.CreateBranch(npub, "myrepo", "dev", "main")).To(BeNil())
			Expect(m.DeleteBranch(npub, "myrepo", "dev")).To(BeNil())
			Expect(r.HasBranch("dev")).To(BeFalse())
		})
	})

	Describe(".CreateTag", func() {
		It("should create a lightweight tag without a message", func() {
			tagOpts := *opts
			tagOpts.Message = ""
			Expect(m.CreateTag(&tagOpts, "v1.0.0")).To(BeNil())
			out, err := repo.ExecGitCmd("git", r.Path, "tag", "-l", "v1.0.0")
			Expect(err).To(BeNil())
			Expect(strings.TrimSpace(string(out))).To(Equal("v1.0.0"))
		})

		It("should create an annotated tag with a message", func() {
			tagOpts := *opts
			tagOpts.Message = "release one"
			Expect(m.CreateTag(&tagOpts, "v1.0.0")).To(BeNil())
			out, err := repo.ExecGitCmd("git", r.Path, "cat-file", "-t", "v1.0.0")
			Expect(err).To(BeNil())
			Expect(strings.TrimSpace(string(out))).To(Equal("tag"))
		})
	})

	Describe(".RecordRepoEvent", func() {
		It("should append the event record to the default branch", func() {
			sk := nostr.GeneratePrivateKey()
			ev := &nostr.Event{Kind: params.KindRepoAnnouncement, CreatedAt: nostr.Now(),
				Tags: nostr.Tags{{"d", "myrepo"}}}
			Expect(ev.Sign(sk)).To(BeNil())

			Expect(m.RecordRepoEvent(npub, "myrepo", "announcement", ev)).To(BeNil())
			content, err := r.ShowFile("main", params.RepoEventsFile)
			Expect(err).To(BeNil())
			Expect(countLines(content)).To(Equal(1))
			Expect(content).To(ContainSubstring(ev.ID))
		})
	})
})

var _ = Describe("Manager publish path", func() {
	var cfg *config.AppConfig
	var ctrl *gomock.Controller
	var publisher *mocks.MockPublisher
	var fetcher *mocks.MockFetcher
	var pol *mocks.MockAccessPolicy
	var m *mutate.Manager
	var npub string
	var opts *mutate.Options
	var raw *signer.RawKey
	var ctx context.Context

	BeforeEach(func() {
		var err error
		cfg, err = testutil.SetTestCfg()
		Expect(err).To(BeNil())
		cfg.Relay.Relays = []string{"wss://default.example"}

		ctrl = gomock.NewController(GinkgoT())
		publisher = mocks.NewMockPublisher(ctrl)
		fetcher = mocks.NewMockFetcher(ctrl)
		pol = mocks.NewMockAccessPolicy(ctrl)
		m = mutate.New(cfg, publisher, fetcher, pol)
		ctx = context.Background()

		sk := nostr.GeneratePrivateKey()
		pk, err := nostr.GetPublicKey(sk)
		Expect(err).To(BeNil())
		npub, err = identifier.EncodeNpub(pk)
		Expect(err).To(BeNil())
		raw, err = signer.NewRawKey(sk)
		Expect(err).To(BeNil())

		r, err := repo.Init(cfg, npub, "myrepo")
		Expect(err).To(BeNil())
		seedCommit(cfg, r)

		opts = &mutate.Options{
			OwnerNpub:   npub,
			RepoName:    "myrepo",
			Branch:      "main",
			AuthorName:  "Alice",
			AuthorEmail: "alice@example.org",
			Message:     "signed update",
		}
	})

	AfterEach(func() {
		ctrl.Finish()
		Expect(os.RemoveAll(cfg.DataDir())).To(BeNil())
	})

	It("should publish the restamped signature event to default and outbox relays", func() {
		relayList := &nostr.Event{
			Kind: params.KindRelayList,
			Tags: nostr.Tags{{"r", "wss://outbox.example"}},
		}
		fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return([]*nostr.Event{relayList}, nil)
		pol.EXPECT().IsPrivate(gomock.Any(), gomock.Any(), "myrepo").Return(false, nil)

		var published *nostr.Event
		publisher.EXPECT().
			Publish(gomock.Any(), gomock.Any(), "wss://default.example", "wss://outbox.example").
			DoAndReturn(func(_ context.Context, ev *nostr.Event, _ ...string) (*client.PublishResult, error) {
				published = ev
				return &client.PublishResult{Success: []string{"wss://default.example"}}, nil
			})

		hash, err := m.WriteFile(ctx, opts, "b.txt", []byte("b\n"), raw)
		Expect(err).To(BeNil())
		Expect(published).ToNot(BeNil())
		commitTag := published.Tags.GetFirst([]string{"commit"})
		Expect(commitTag).ToNot(BeNil())
		Expect(commitTag.Value()).To(Equal(hash))
	})

	It("should not publish for a private repository", func() {
		pol.EXPECT().IsPrivate(gomock.Any(), gomock.Any(), "myrepo").Return(true, nil)

		_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b\n"), raw)
		Expect(err).To(BeNil())
	})

	It("should not consult policy for an unsigned mutation", func() {
		_, err := m.WriteFile(ctx, opts, "b.txt", []byte("b\n"), nil)
		Expect(err).To(BeNil())
	})
})

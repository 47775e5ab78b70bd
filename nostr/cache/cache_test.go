package cache_test

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/nostr/cache"
	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/testutil"
	"github.com/nbd-wtf/go-nostr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func makeEvent(sk string, kind int, content string, tags nostr.Tags, at nostr.Timestamp) *nostr.Event {
	ev := &nostr.Event{Kind: kind, Content: content, Tags: tags, CreatedAt: at}
	if err := ev.Sign(sk); err != nil {
		panic(err)
	}
	return ev
}

var _ = Describe("Cache", func() {
	var cfg *config.AppConfig
	var err error
	var c *cache.Cache
	var sk string

	BeforeEach(func() {
		cfg, err = testutil.SetTestCfg()
		Expect(err).To(BeNil())
		sk = nostr.GeneratePrivateKey()
		c, err = cache.New(cfg, nil)
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		c.Stop()
		Expect(os.RemoveAll(cfg.DataDir())).To(BeNil())
	})

	Describe(".Get / .Set", func() {
		It("should return nil on a miss", func() {
			Expect(c.Get(nostr.Filters{{Kinds: []int{1}}})).To(BeNil())
		})

		It("should return what was set", func() {
			ev := makeEvent(sk, 1, "hello", nil, nostr.Now())
			filters := nostr.Filters{{Kinds: []int{1}}}
			c.Set(filters, []*nostr.Event{ev})

			got := c.Get(filters)
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal(ev.ID))
		})

		It("should survive a restart through the persistent layer", func() {
			ev := makeEvent(sk, 1, "persist me", nil, nostr.Now())
			filters := nostr.Filters{{Kinds: []int{1}}}
			c.Set(filters, []*nostr.Event{ev})

			// Stop drains the write queue and closes the store
			c.Stop()

			c2, err := cache.New(cfg, nil)
			Expect(err).To(BeNil())
			defer c2.Stop()

			Eventually(func() int {
				return len(c2.Get(filters))
			}, "3s").Should(Equal(1))
		})

		It("should persist the latest of two rapid sets for one filter key", func() {
			first := makeEvent(sk, 1, "first", nil, nostr.Now())
			second := makeEvent(sk, 1, "second", nil, nostr.Now())
			filters := nostr.Filters{{Kinds: []int{1}}}
			c.Set(filters, []*nostr.Event{first})
			c.Set(filters, []*nostr.Event{second})

			// Stop drains the write queue; a fresh instance must read
			// the second snapshot, not the first.
			c.Stop()

			c2, err := cache.New(cfg, nil)
			Expect(err).To(BeNil())
			defer c2.Stop()

			Eventually(func() []*nostr.Event {
				return c2.Get(filters)
			}, "3s").Should(HaveLen(1))
			Expect(c2.Get(filters)[0].ID).To(Equal(second.ID))
		})

		It("should dedup replaceable events on write, newest created_at winning", func() {
			old := makeEvent(sk, params.KindRepoAnnouncement, "", nostr.Tags{{"d", "r"}}, nostr.Timestamp(1000))
			recent := makeEvent(sk, params.KindRepoAnnouncement, "", nostr.Tags{{"d", "r"}}, nostr.Timestamp(2000))
			filters := nostr.Filters{{Kinds: []int{params.KindRepoAnnouncement}}}
			c.Set(filters, []*nostr.Event{old, recent})

			got := c.Get(filters)
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal(recent.ID))
		})

		It("should bypass the cache for search-flagged filters", func() {
			ev := makeEvent(sk, 1, "findme", nil, nostr.Now())
			filters := nostr.Filters{{Kinds: []int{1}, Search: "findme"}}
			c.Set(filters, []*nostr.Event{ev})
			Expect(c.Get(filters)).To(BeNil())
		})
	})

	Describe("stale-while-revalidate", func() {
		It("should serve a stale entry and refresh it in the background", func() {
			oldEv := makeEvent(sk, 1, "stale", nil, nostr.Now())
			newEv := makeEvent(sk, 1, "fresh", nil, nostr.Now())
			var fetches int32
			fetch := func(ctx context.Context, f nostr.Filters) ([]*nostr.Event, error) {
				atomic.AddInt32(&fetches, 1)
				return []*nostr.Event{newEv}, nil
			}

			c.Stop() // release the store so cr can own it
			cr, err := cache.New(cfg, fetch)
			Expect(err).To(BeNil())
			defer cr.Stop()

			filters := nostr.Filters{{Kinds: []int{1}}}
			cr.Set(filters, []*nostr.Event{oldEv}, 50*time.Millisecond)
			time.Sleep(100 * time.Millisecond)

			// stale read returns the old events immediately
			got := cr.Get(filters)
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal(oldEv.ID))

			// and the background refresh eventually replaces them
			Eventually(func() string {
				evs := cr.Get(filters)
				if len(evs) == 0 {
					return ""
				}
				return evs[0].ID
			}, "3s").Should(Equal(newEv.ID))
			Expect(atomic.LoadInt32(&fetches)).To(BeNumerically(">", 0))
		})
	})

	Describe(".Fetch", func() {
		It("should read through to the relays on a miss and repopulate", func() {
			ev := makeEvent(sk, 1, "remote", nil, nostr.Now())
			var fetches int32
			fetch := func(ctx context.Context, f nostr.Filters) ([]*nostr.Event, error) {
				atomic.AddInt32(&fetches, 1)
				return []*nostr.Event{ev}, nil
			}
			c.Stop() // release the store so cr can own it
			cr, err := cache.New(cfg, fetch)
			Expect(err).To(BeNil())
			defer cr.Stop()

			filters := nostr.Filters{{Kinds: []int{1}}}
			got, err := cr.Fetch(context.Background(), filters)
			Expect(err).To(BeNil())
			Expect(got).To(HaveLen(1))

			// second read is served from cache
			_, err = cr.Fetch(context.Background(), filters)
			Expect(err).To(BeNil())
			Expect(atomic.LoadInt32(&fetches)).To(Equal(int32(1)))
		})
	})

	Describe(".ProcessDeletions", func() {
		It("should remove referenced events from cached results", func() {
			ev := makeEvent(sk, 1, "doomed", nil, nostr.Now())
			keeper := makeEvent(sk, 1, "keeper", nil, nostr.Now())
			filters := nostr.Filters{{Kinds: []int{1}}}
			c.Set(filters, []*nostr.Event{ev, keeper})

			del := makeEvent(sk, params.KindDeletion, "", nostr.Tags{{"e", ev.ID}}, nostr.Now())
			c.ProcessDeletions([]*nostr.Event{del})

			got := c.Get(filters)
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal(keeper.ID))
		})

		It("should ignore non-deletion kinds", func() {
			ev := makeEvent(sk, 1, "safe", nil, nostr.Now())
			filters := nostr.Filters{{Kinds: []int{1}}}
			c.Set(filters, []*nostr.Event{ev})

			note := makeEvent(sk, 1, "", nostr.Tags{{"e", ev.ID}}, nostr.Now())
			c.ProcessDeletions([]*nostr.Event{note})
			Expect(c.Get(filters)).To(HaveLen(1))
		})
	})

	Describe(".InvalidatePubkey", func() {
		It("should drop entries carrying the author's events", func() {
			ev := makeEvent(sk, 1, "mine", nil, nostr.Now())
			filters := nostr.Filters{{Kinds: []int{1}}}
			c.Set(filters, []*nostr.Event{ev})
			Expect(c.Get(filters)).To(HaveLen(1))

			pk, _ := nostr.GetPublicKey(sk)
			c.InvalidatePubkey(pk)

			Eventually(func() []*nostr.Event {
				return c.Get(filters)
			}, "3s").Should(BeNil())
		})
	})

	Describe("profiles", func() {
		It("should round-trip a profile event", func() {
			pk, _ := nostr.GetPublicKey(sk)
			profile := makeEvent(sk, params.KindProfile, `{"name":"alice"}`, nil, nostr.Now())
			c.SetProfile(pk, profile)

			got := c.GetProfile(pk)
			Expect(got).ToNot(BeNil())
			Expect(got.ID).To(Equal(profile.ID))
		})

		It("should return nil for an unknown pubkey", func() {
			Expect(c.GetProfile("aa")).To(BeNil())
		})
	})
})

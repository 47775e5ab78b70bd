package client_test

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/nostr/client"
	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/testutil"
	"github.com/nbd-wtf/go-nostr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeDeleter records deletion events handed to it by the scanner
type fakeDeleter struct {
	mu  sync.Mutex
	evs []*nostr.Event
}

func (d *fakeDeleter) ProcessDeletions(evs []*nostr.Event) {
	d.mu.Lock()
	d.evs = append(d.evs, evs...)
	d.mu.Unlock()
}

func (d *fakeDeleter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.evs)
}

func signedEvent(sk string, kind int, content string, tags nostr.Tags, at nostr.Timestamp) *nostr.Event {
	ev := &nostr.Event{Kind: kind, Content: content, Tags: tags, CreatedAt: at}
	if err := ev.Sign(sk); err != nil {
		panic(err)
	}
	return ev
}

var _ = Describe("Client", func() {
	var cfg *config.AppConfig
	var err error
	var relay *testRelay
	var cl *client.Client
	var sk string

	BeforeEach(func() {
		cfg, err = testutil.SetTestCfg()
		Expect(err).To(BeNil())
		relay = newTestRelay()
		cfg.Relay.Relays = []string{relay.URL()}
		cl = client.New(cfg, nil)
		sk = nostr.GeneratePrivateKey()
	})

	AfterEach(func() {
		cl.Stop()
		relay.Close()
		Expect(os.RemoveAll(cfg.DataDir())).To(BeNil())
	})

	Describe(".Fetch", func() {
		It("should return events up to EOSE", func() {
			ev := signedEvent(sk, 1, "hello", nil, nostr.Now())
			relay.setEvents(ev)

			evs, err := cl.Fetch(context.Background(), nostr.Filters{{Kinds: []int{1}}})
			Expect(err).To(BeNil())
			Expect(evs).To(HaveLen(1))
			Expect(evs[0].ID).To(Equal(ev.ID))
		})

		It("should keep only the newest event per replaceable slot", func() {
			old := signedEvent(sk, params.KindRelayList, "", nil, nostr.Timestamp(1000))
			recent := signedEvent(sk, params.KindRelayList, "", nil, nostr.Timestamp(2000))
			relay.setEvents(old, recent)

			evs, err := cl.Fetch(context.Background(), nostr.Filters{{Kinds: []int{params.KindRelayList}}})
			Expect(err).To(BeNil())
			Expect(evs).To(HaveLen(1))
			Expect(evs[0].ID).To(Equal(recent.ID))
		})

		It("should return partial results when no EOSE arrives before the deadline", func() {
			relay.mu.Lock()
			relay.sendEOSE = false
			relay.mu.Unlock()
			relay.setEvents(signedEvent(sk, 1, "partial", nil, nostr.Now()))

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			evs, err := cl.Fetch(ctx, nostr.Filters{{Kinds: []int{1}}})
			Expect(err).To(BeNil())
			Expect(evs).To(HaveLen(1))
		})

		It("should not fail when the only relay is unreachable", func() {
			cfg.Relay.Relays = []string{"ws://127.0.0.1:1"}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			evs, err := cl.Fetch(ctx, nostr.Filters{{Kinds: []int{1}}})
			Expect(err).To(BeNil())
			Expect(evs).To(BeEmpty())
		})
	})

	Describe(".Publish", func() {
		It("should report the accepting relay as success", func() {
			ev := signedEvent(sk, 1, "out", nil, nostr.Now())
			res, err := cl.Publish(context.Background(), ev)
			Expect(err).To(BeNil())
			Expect(res.Success).To(Equal([]string{relay.URL()}))
			Expect(res.Failed).To(BeEmpty())
		})

		It("should fail when every relay rejects the event", func() {
			relay.mu.Lock()
			relay.acceptPublish = false
			relay.mu.Unlock()

			ev := signedEvent(sk, 1, "out", nil, nostr.Now())
			res, err := cl.Publish(context.Background(), ev)
			Expect(err).To(Equal(client.ErrNoRelayAccepted))
			Expect(res.Failed).To(Equal([]string{relay.URL()}))
		})
	})

	Describe("deletion scanning", func() {
		It("should forward observed kind-5 events to the deleter", func() {
			deleter := &fakeDeleter{}
			cl.SetDeleter(deleter)
			del := signedEvent(sk, params.KindDeletion, "", nostr.Tags{{"e", "deadbeef"}}, nostr.Now())
			relay.setEvents(del)

			_, err := cl.Fetch(context.Background(), nostr.Filters{{Kinds: []int{1}}})
			Expect(err).To(BeNil())

			Eventually(deleter.count, "3s").Should(BeNumerically(">", 0))
		})
	})

	Describe("NIP-42 auth", func() {
		It("should answer the challenge before subscribing when a signer is present", func() {
			relay.mu.Lock()
			relay.authChallenge = "challenge-123"
			relay.mu.Unlock()

			s, err := signer.NewRawKey(sk)
			Expect(err).To(BeNil())
			authed := client.New(cfg, s)
			defer authed.Stop()

			_, err = authed.Fetch(context.Background(), nostr.Filters{{Kinds: []int{1}}})
			Expect(err).To(BeNil())

			Eventually(relay.authed, "3s").Should(ContainElement(s.PubKey()))
		})

		It("should skip the challenge when no signer is present", func() {
			relay.mu.Lock()
			relay.authChallenge = "challenge-123"
			relay.mu.Unlock()

			relay.setEvents(signedEvent(sk, 1, "open", nil, nostr.Now()))
			evs, err := cl.Fetch(context.Background(), nostr.Filters{{Kinds: []int{1}}})
			Expect(err).To(BeNil())
			Expect(evs).To(HaveLen(1))
			Expect(relay.authed()).To(BeEmpty())
		})
	})
})

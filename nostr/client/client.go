// Package client multiplexes Nostr subscriptions over a pool of shared
// websockets. Fetches return the deduplicated union of events across
// relays; publishes report per-relay outcomes. Failing relays are
// backed off exponentially and deletion events observed after a fetch
// are propagated to an injected deleter.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// ErrNoRelayAccepted indicates a publish that no relay accepted
var ErrNoRelayAccepted = errors.New("no relay accepted the event")

// Deleter receives kind-5 deletion events discovered by the scanner
type Deleter interface {
	ProcessDeletions(events []*nostr.Event)
}

// PublishResult lists the relays that accepted and rejected an event
type PublishResult struct {
	Success []string
	Failed  []string
}

// relayBackoff throttles reconnection attempts to one failing relay
type relayBackoff struct {
	next time.Time
	b    *backoff.ExponentialBackOff
}

// Client is a pooled multi-relay Nostr client
type Client struct {
	cfg    *config.AppConfig
	log    logger.Logger
	signer signer.Signer

	mu    sync.Mutex
	socks map[string][]*socket
	boffs map[string]*relayBackoff

	deleter  Deleter
	scanning int32

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a relay client. sgn may be nil when the process holds no
// signing identity; AUTH challenges are then skipped.
func New(cfg *config.AppConfig, sgn signer.Signer) *Client {
	c := &Client{
		cfg:    cfg,
		log:    cfg.G().Log.Module("relayclient"),
		signer: sgn,
		socks:  make(map[string][]*socket),
		boffs:  make(map[string]*relayBackoff),
		stop:   make(chan struct{}),
	}
	go c.reapIdleSockets()
	return c
}

// SetDeleter injects the deletion sink (the event cache). The client
// deliberately depends on this narrow seam rather than on the cache.
func (c *Client) SetDeleter(d Deleter) {
	c.mu.Lock()
	c.deleter = d
	c.mu.Unlock()
}

// Relays returns the configured default relay set
func (c *Client) Relays() []string {
	return c.cfg.Relay.Relays
}

// Stop closes every pooled socket
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, socks := range c.socks {
		for _, sk := range socks {
			sk.close()
		}
	}
	c.socks = make(map[string][]*socket)
}

// reapIdleSockets closes sockets that have had no pending requests for
// longer than the idle timeout.
func (c *Client) reapIdleSockets() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			for url, socks := range c.socks {
				var keep []*socket
				for _, sk := range socks {
					if sk.isClosed() {
						continue
					}
					if sk.idleFor() > params.SocketIdleTimeout {
						sk.close()
						continue
					}
					keep = append(keep, sk)
				}
				if len(keep) == 0 {
					delete(c.socks, url)
				} else {
					c.socks[url] = keep
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// getSocket returns a pooled socket for the relay, dialing a new one
// when all existing sockets are busy and the per-relay cap allows it.
func (c *Client) getSocket(ctx context.Context, url string) (*socket, error) {
	c.mu.Lock()

	// Drop closed sockets from the pool entry
	var live []*socket
	for _, sk := range c.socks[url] {
		if !sk.isClosed() {
			live = append(live, sk)
		}
	}
	c.socks[url] = live

	// Pick the least-pending live socket; dial only when every socket
	// is busy and the cap has room.
	var best *socket
	for _, sk := range live {
		if best == nil || sk.pendingCount() < best.pendingCount() {
			best = sk
		}
	}
	if best != nil && (best.pendingCount() == 0 || len(live) >= params.MaxSocketsPerRelay) {
		c.mu.Unlock()
		return best, nil
	}

	// Honor the reconnect backoff for failing relays
	bo := c.boffs[url]
	if bo != nil && time.Now().Before(bo.next) {
		c.mu.Unlock()
		if best != nil {
			return best, nil
		}
		return nil, errors.Errorf("relay is backing off (%s)", url)
	}
	c.mu.Unlock()

	sk, err := dialSocket(ctx, url, c.signer, c.log)
	if err != nil {
		c.noteDialFailure(url)
		if best != nil {
			return best, nil
		}
		return nil, err
	}

	c.mu.Lock()
	delete(c.boffs, url)
	c.socks[url] = append(c.socks[url], sk)
	c.mu.Unlock()
	return sk, nil
}

func (c *Client) noteDialFailure(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bo := c.boffs[url]
	if bo == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = params.RelayBackoffInitial
		eb.Multiplier = 2
		eb.MaxInterval = params.RelayBackoffMax
		eb.MaxElapsedTime = 0
		eb.RandomizationFactor = 0
		eb.Reset()
		bo = &relayBackoff{b: eb}
		c.boffs[url] = bo
	}
	bo.next = time.Now().Add(bo.b.NextBackOff())
}

// Fetch returns the deduplicated union of events matching the filters
// across the given relays (the configured defaults when relays is
// empty). A relay that fails or times out contributes the events it
// managed to deliver; Fetch itself does not fail on relay errors.
func (c *Client) Fetch(ctx context.Context, filters nostr.Filters, relays ...string) ([]*nostr.Event, error) {
	if len(relays) == 0 {
		relays = c.Relays()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.RelayFetchTimeout)
		defer cancel()
	}

	var mu sync.Mutex
	var all []*nostr.Event
	var wg sync.WaitGroup
	for _, relay := range relays {
		wg.Add(1)
		go func(relay string) {
			defer wg.Done()
			evs, err := c.fetchOne(ctx, relay, filters)
			if err != nil {
				c.log.Debug("Fetch failed", "Relay", relay, "Err", err.Error())
			}
			if len(evs) > 0 {
				mu.Lock()
				all = append(all, evs...)
				mu.Unlock()
			}
		}(relay)
	}
	wg.Wait()

	out := Dedup(all)
	c.maybeScanDeletions(relays)
	return out, nil
}

// fetchOne runs a single REQ against one relay, returning the events
// collected up to EOSE or the context deadline.
func (c *Client) fetchOne(ctx context.Context, relay string, filters nostr.Filters) ([]*nostr.Event, error) {
	sub := &subscription{
		id:     uuid.NewV4().String(),
		state:  SubDialing,
		events: make(chan *nostr.Event, 256),
		eose:   make(chan struct{}),
	}

	sk, err := c.getSocket(ctx, relay)
	if err != nil {
		return nil, err
	}
	sub.state = SubOpen

	// AUTH in flight suspends REQ transmission
	if err := sk.waitAuthGate(ctx); err != nil {
		return nil, err
	}

	sk.addSub(sub)
	defer sk.removeSub(sub.id)

	req := []interface{}{"REQ", sub.id}
	for _, f := range filters {
		req = append(req, f)
	}
	if err := sk.write(req); err != nil {
		sub.state = SubClosed
		return nil, errors.Wrap(err, "failed to send REQ")
	}
	sub.state = SubSubscribed

	var collected []*nostr.Event
	for {
		select {
		case ev := <-sub.events:
			collected = append(collected, ev)
		case <-sub.eose:
			// Drain events that raced with EOSE
			for {
				select {
				case ev := <-sub.events:
					collected = append(collected, ev)
				default:
					sub.state = SubClosed
					sk.write([]interface{}{"CLOSE", sub.id})
					return collected, nil
				}
			}
		case <-ctx.Done():
			// Partial results beat failure
			sub.state = SubClosed
			sk.write([]interface{}{"CLOSE", sub.id})
			return collected, nil
		}
	}
}

// Publish pushes the event to each relay and collects per-relay
// outcomes. It fails only when no relay accepts the event.
func (c *Client) Publish(ctx context.Context, ev *nostr.Event, relays ...string) (*PublishResult, error) {
	if len(relays) == 0 {
		relays = c.Relays()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.RelayPublishTimeout)
		defer cancel()
	}

	res := &PublishResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, relay := range relays {
		wg.Add(1)
		go func(relay string) {
			defer wg.Done()
			err := c.publishOne(ctx, relay, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Debug("Publish failed", "Relay", relay, "Err", err.Error())
				res.Failed = append(res.Failed, relay)
				return
			}
			res.Success = append(res.Success, relay)
		}(relay)
	}
	wg.Wait()

	if len(res.Success) == 0 {
		return res, ErrNoRelayAccepted
	}
	return res, nil
}

func (c *Client) publishOne(ctx context.Context, relay string, ev *nostr.Event) error {
	sk, err := c.getSocket(ctx, relay)
	if err != nil {
		return err
	}

	okCh := sk.addOK(ev.ID)
	defer sk.removeOK(ev.ID)

	if err := sk.write([]interface{}{"EVENT", ev}); err != nil {
		return errors.Wrap(err, "failed to send EVENT")
	}

	select {
	case ok := <-okCh:
		if !ok.accepted {
			return errors.Errorf("relay rejected event: %s", ok.reason)
		}
		return nil
	case <-sk.closed:
		return errors.New("socket closed before OK")
	case <-ctx.Done():
		return errors.New("timed out waiting for OK")
	}
}

// maybeScanDeletions asynchronously looks for recent kind-5 events and
// forwards them to the deleter. The reentrancy flag guarantees the
// scanner's own fetch never recursively spawns another scanner.
func (c *Client) maybeScanDeletions(relays []string) {
	c.mu.Lock()
	deleter := c.deleter
	c.mu.Unlock()
	if deleter == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.scanning, 0, 1) {
		return
	}

	go func() {
		defer atomic.StoreInt32(&c.scanning, 0)
		since := nostr.Timestamp(time.Now().Add(-params.DeletionScanWindow).Unix())
		ctx, cancel := context.WithTimeout(context.Background(), params.RelayFetchTimeout)
		defer cancel()
		evs, err := c.Fetch(ctx, nostr.Filters{{
			Kinds: []int{params.KindDeletion},
			Since: &since,
		}}, relays...)
		if err != nil || len(evs) == 0 {
			return
		}
		deleter.ProcessDeletions(evs)
	}()
}

// Package cache is a read-through cache of relay query results with an
// in-memory layer in front of a persistent badger store. Entries are
// deduplicated on write, served stale while a background refresh runs,
// and dropped eagerly when a deletion event names them. Persistence is
// best-effort: the invariant is availability, not durability.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gitrepublic/gitd/config"
	"github.com/gitrepublic/gitd/nostr/client"
	"github.com/gitrepublic/gitd/params"
	memcache "github.com/gitrepublic/gitd/pkgs/cache"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/pkgs/queue"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
)

// RelayFetch is the narrow capability the cache uses to refresh entries.
// Injecting a function rather than the relay client keeps the
// client→cache dependency one-directional.
type RelayFetch func(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error)

// memEntry is one filter result held in memory
type memEntry struct {
	Events   []*nostr.Event
	CachedAt time.Time
	TTL      time.Duration
}

func (e *memEntry) fresh() bool {
	return time.Since(e.CachedAt) < e.TTL
}

func (e *memEntry) usable() bool {
	return time.Since(e.CachedAt) < params.EventCacheMaxAge
}

// fltRecord is the persistent form of a filter result
type fltRecord struct {
	EventIDs []string `json:"ids"`
	Authors  []string `json:"authors"`
	CachedAt int64    `json:"cachedAt"`
	TTLSec   int64    `json:"ttl"`
}

// evtRecord is the persistent form of one event
type evtRecord struct {
	Event    *nostr.Event `json:"event"`
	CachedAt int64        `json:"cachedAt"`
}

// writeOp is one serialized persistent-store operation
type writeOp struct {
	id    string
	apply func(s *store) error
}

func (w *writeOp) GetID() interface{} { return w.id }

// Cache is the two-layer event cache
type Cache struct {
	cfg   *config.AppConfig
	log   logger.Logger
	mem   *memcache.Cache
	store *store
	fetch RelayFetch

	writes   *queue.UniqueQueue
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// refreshing tracks filter keys with a refresh in flight
	refreshing sync.Map
}

// New opens the persistent store and starts the single-writer loop.
// fetch may be nil; stale entries are then served without refresh.
func New(cfg *config.AppConfig, fetch RelayFetch) (*Cache, error) {
	st, err := openStore(cfg.GetEventCacheDir())
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:    cfg,
		log:    cfg.G().Log.Module("eventcache"),
		mem:    memcache.NewCache(params.EventCacheMemSize),
		store:  st,
		fetch:  fetch,
		writes:  queue.NewUnique(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// Stop flushes the writer and closes the store. It blocks until the
// pending writes have been applied.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.stopped
}

// writeLoop applies queued writes one at a time so the persistent store
// never sees interleaved transactions.
func (c *Cache) writeLoop() {
	drain := func() {
		for {
			item := c.writes.Head()
			if item == nil {
				return
			}
			op := item.(*writeOp)
			err := op.apply(c.store)
			switch classifyWriteErr(err) {
			case writeOK:
			case writeQuotaExceeded:
				c.log.Debug("Cache write skipped: quota exceeded", "Op", op.id)
			case writeTransactionRace:
				c.log.Debug("Cache write skipped: transaction race", "Op", op.id)
			default:
				c.log.Error("Cache write failed", "Op", op.id, "Err", err.Error())
			}
		}
	}
	for {
		select {
		case <-c.writes.Signal():
			drain()
		case <-c.stop:
			drain()
			c.store.Close()
			close(c.stopped)
			return
		}
	}
}

func (c *Cache) enqueue(id string, apply func(s *store) error) {
	c.writes.Append(&writeOp{id: id, apply: apply})
}

// FilterKey derives the cache key of a filter set
func FilterKey(filters nostr.Filters) string {
	bz, _ := json.Marshal(filters)
	sum := sha256.Sum256(bz)
	return hex.EncodeToString(sum[:])
}

// isSearch reports whether any filter carries a search term; such
// queries bypass the cache entirely.
func isSearch(filters nostr.Filters) bool {
	for _, f := range filters {
		if f.Search != "" {
			return true
		}
	}
	return false
}

// Get returns the cached events for the filter set, or nil on a miss.
// A stale-but-usable entry is returned immediately while a background
// refresh replaces it.
func (c *Cache) Get(filters nostr.Filters) []*nostr.Event {
	if isSearch(filters) {
		return nil
	}
	key := FilterKey(filters)

	if v := c.mem.Get(key); v != nil {
		entry := v.(*memEntry)
		if entry.fresh() {
			return entry.Events
		}
		if entry.usable() {
			c.refreshAsync(key, filters, entry.TTL)
			return entry.Events
		}
		c.mem.Remove(key)
	}

	entry := c.loadPersistent(key)
	if entry == nil {
		return nil
	}
	c.mem.Add(key, entry)
	if !entry.fresh() {
		c.refreshAsync(key, filters, entry.TTL)
	}
	return entry.Events
}

// loadPersistent rebuilds a memory entry from the persistent store
func (c *Cache) loadPersistent(key string) *memEntry {
	raw, err := c.store.Get(prefixFilter + key)
	if err != nil {
		c.log.Debug("Cache read failed", "Err", err.Error())
		return nil
	}
	if raw == nil {
		return nil
	}

	var rec fltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}

	entry := &memEntry{
		CachedAt: time.Unix(rec.CachedAt, 0),
		TTL:      time.Duration(rec.TTLSec) * time.Second,
	}
	if !entry.usable() {
		return nil
	}

	for _, id := range rec.EventIDs {
		evRaw, err := c.store.Get(prefixEvent + id)
		if err != nil || evRaw == nil {
			continue
		}
		var er evtRecord
		if err := json.Unmarshal(evRaw, &er); err != nil || er.Event == nil {
			continue
		}
		entry.Events = append(entry.Events, er.Event)
	}
	return entry
}

// Set caches events for the filter set. Events are deduplicated; a
// loser for a dedup slot is removed from the event store.
func (c *Cache) Set(filters nostr.Filters, events []*nostr.Event, ttl ...time.Duration) {
	if isSearch(filters) {
		return
	}

	entryTTL := params.EventCacheTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		entryTTL = ttl[0]
	}

	deduped := client.Dedup(events)
	losers := diffByID(events, deduped)
	key := FilterKey(filters)

	c.mem.Add(key, &memEntry{Events: deduped, CachedAt: time.Now(), TTL: entryTTL})

	rec := fltRecord{
		CachedAt: time.Now().Unix(),
		TTLSec:   int64(entryTTL / time.Second),
	}
	for _, ev := range deduped {
		rec.EventIDs = append(rec.EventIDs, ev.ID)
		if !funk.ContainsString(rec.Authors, ev.PubKey) {
			rec.Authors = append(rec.Authors, ev.PubKey)
		}
	}

	evs := append([]*nostr.Event{}, deduped...)
	c.enqueue("set:"+key, func(s *store) error {
		bz, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := s.Set(prefixFilter+key, bz, params.EventCacheMaxAge); err != nil {
			return err
		}
		for _, ev := range evs {
			ebz, err := json.Marshal(evtRecord{Event: ev, CachedAt: time.Now().Unix()})
			if err != nil {
				return err
			}
			if err := s.Set(prefixEvent+ev.ID, ebz, params.EventCacheMaxAge); err != nil {
				return err
			}
		}
		return nil
	})

	for _, loser := range losers {
		c.DeleteEvent(loser)
	}
}

// diffByID returns the ids present in all but absent from kept
func diffByID(all, kept []*nostr.Event) []string {
	keptIDs := make(map[string]struct{}, len(kept))
	for _, ev := range kept {
		keptIDs[ev.ID] = struct{}{}
	}
	var out []string
	for _, ev := range all {
		if ev == nil {
			continue
		}
		if _, ok := keptIDs[ev.ID]; !ok && !funk.ContainsString(out, ev.ID) {
			out = append(out, ev.ID)
		}
	}
	return out
}

// refreshAsync replaces a stale entry in the background
func (c *Cache) refreshAsync(key string, filters nostr.Filters, ttl time.Duration) {
	if c.fetch == nil {
		return
	}
	if _, running := c.refreshing.LoadOrStore(key, struct{}{}); running {
		return
	}
	go func() {
		defer c.refreshing.Delete(key)
		ctx, cancel := context.WithTimeout(context.Background(), params.RelayFetchTimeout)
		defer cancel()
		evs, err := c.fetch(ctx, filters)
		if err != nil {
			c.log.Debug("Background refresh failed", "Err", err.Error())
			return
		}
		c.Set(filters, evs, ttl)
	}()
}

// Fetch is the read-through path: a cache hit is returned directly,
// a miss goes to the relays and repopulates the cache.
func (c *Cache) Fetch(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	if evs := c.Get(filters); evs != nil {
		return evs, nil
	}
	if c.fetch == nil {
		return nil, errors.New("no relay fetcher configured")
	}
	evs, err := c.fetch(ctx, filters)
	if err != nil {
		return nil, err
	}
	c.Set(filters, evs)
	return evs, nil
}

// DeleteEvent removes the event from memory entries and the event store
func (c *Cache) DeleteEvent(id string) {
	for _, k := range c.mem.Keys() {
		v := c.mem.Peek(k)
		if v == nil {
			continue
		}
		entry := v.(*memEntry)
		var kept []*nostr.Event
		removed := false
		for _, ev := range entry.Events {
			if ev.ID == id {
				removed = true
				continue
			}
			kept = append(kept, ev)
		}
		if removed {
			c.mem.Add(k, &memEntry{Events: kept, CachedAt: entry.CachedAt, TTL: entry.TTL})
		}
	}
	c.enqueue("del:"+id, func(s *store) error {
		return s.Del(prefixEvent + id)
	})
}

// InvalidatePubkey drops every cached filter result that carries events
// authored by the pubkey. Used after the actor publishes, so the next
// read observes the new state.
func (c *Cache) InvalidatePubkey(pubkey string) {
	for _, k := range c.mem.Keys() {
		v := c.mem.Peek(k)
		if v == nil {
			continue
		}
		for _, ev := range v.(*memEntry).Events {
			if ev.PubKey == pubkey {
				c.mem.Remove(k)
				break
			}
		}
	}
	c.enqueue("inv:"+pubkey, func(s *store) error {
		var doomed []string
		s.IteratePrefix(prefixFilter, func(key string, value []byte) bool {
			var rec fltRecord
			if json.Unmarshal(value, &rec) == nil && funk.ContainsString(rec.Authors, pubkey) {
				doomed = append(doomed, key)
			}
			return true
		})
		for _, key := range doomed {
			if err := s.Del(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProcessDeletions applies kind-5 events: every referenced event id is
// removed from both layers.
func (c *Cache) ProcessDeletions(events []*nostr.Event) {
	for _, ev := range events {
		if ev == nil || ev.Kind != params.KindDeletion {
			continue
		}
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
				c.DeleteEvent(tag[1])
			}
		}
	}
}

// GetProfile returns the cached kind-0 event of the pubkey, or nil
func (c *Cache) GetProfile(pubkey string) *nostr.Event {
	key := "profile:" + pubkey
	if v := c.mem.Get(key); v != nil {
		entry := v.(*memEntry)
		if entry.fresh() && len(entry.Events) > 0 {
			return entry.Events[0]
		}
	}
	raw, err := c.store.Get(prefixProfile + pubkey)
	if err != nil || raw == nil {
		return nil
	}
	var er evtRecord
	if err := json.Unmarshal(raw, &er); err != nil || er.Event == nil {
		return nil
	}
	if time.Since(time.Unix(er.CachedAt, 0)) > params.ProfileCacheTTL {
		return nil
	}
	c.mem.Add(key, &memEntry{Events: []*nostr.Event{er.Event}, CachedAt: time.Unix(er.CachedAt, 0), TTL: params.ProfileCacheTTL})
	return er.Event
}

// SetProfile caches a kind-0 event under the profile TTL
func (c *Cache) SetProfile(pubkey string, ev *nostr.Event) {
	c.mem.Add("profile:"+pubkey, &memEntry{Events: []*nostr.Event{ev}, CachedAt: time.Now(), TTL: params.ProfileCacheTTL})
	c.enqueue("prf:"+pubkey, func(s *store) error {
		bz, err := json.Marshal(evtRecord{Event: ev, CachedAt: time.Now().Unix()})
		if err != nil {
			return err
		}
		return s.Set(prefixProfile+pubkey, bz, params.EventCacheMaxAge)
	})
}

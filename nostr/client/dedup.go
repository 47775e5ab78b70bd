package client

import (
	"fmt"
	"strings"

	"github.com/gitrepublic/gitd/params"
	"github.com/nbd-wtf/go-nostr"
)

// DedupKey returns the identity under which an event competes for a
// cache/storage slot. Regular events are their own slot; replaceable
// kinds share a slot per author; parameterized replaceable kinds share
// a slot per author and d-tag; write-proof messages share a single
// slot per author.
func DedupKey(ev *nostr.Event) string {
	switch {
	case ev.Kind == params.KindPublicMessage && strings.Contains(ev.Content, params.WriteProofMarker):
		return fmt.Sprintf("%d:%s:%s", ev.Kind, ev.PubKey, params.WriteProofMarker)

	case params.IsReplaceableKind(ev.Kind):
		return fmt.Sprintf("%d:%s", ev.Kind, ev.PubKey)

	case params.IsParamReplaceableKind(ev.Kind):
		d := ev.Tags.GetFirst([]string{"d"})
		dVal := ""
		if d != nil {
			dVal = d.Value()
		}
		return fmt.Sprintf("%d:%s:%s", ev.Kind, ev.PubKey, dVal)
	}
	return ev.ID
}

// Dedup collapses events that share a dedup key, keeping the one with
// the highest created_at. Relative order of the surviving events is
// the order in which their keys were first seen.
func Dedup(events []*nostr.Event) []*nostr.Event {
	winners := make(map[string]*nostr.Event, len(events))
	var order []string
	for _, ev := range events {
		if ev == nil {
			continue
		}
		key := DedupKey(ev)
		cur, ok := winners[key]
		if !ok {
			winners[key] = ev
			order = append(order, key)
			continue
		}
		if ev.CreatedAt > cur.CreatedAt {
			winners[key] = ev
		}
	}
	out := make([]*nostr.Event, 0, len(order))
	for _, key := range order {
		out = append(out, winners[key])
	}
	return out
}

package client_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// testRelay is a minimal in-process relay speaking just enough of the
// protocol for the client suite: REQ/EOSE, EVENT/OK and AUTH.
type testRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu sync.Mutex

	// events returned for any REQ (after per-kind filtering)
	events []*nostr.Event

	// sendEOSE controls whether REQs are completed
	sendEOSE bool

	// acceptPublish controls the OK verdict for EVENT frames
	acceptPublish bool

	// authChallenge, when set, is sent before the first REQ is answered
	authChallenge string

	// authedPubkeys collects identities that answered the challenge
	authedPubkeys []string

	// reqs counts REQ frames observed
	reqs int
}

func newTestRelay() *testRelay {
	r := &testRelay{sendEOSE: true, acceptPublish: true}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

func (r *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) Close() { r.srv.Close() }

func (r *testRelay) setEvents(evs ...*nostr.Event) {
	r.mu.Lock()
	r.events = evs
	r.mu.Unlock()
}

func (r *testRelay) reqCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs
}

func (r *testRelay) authed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.authedPubkeys...)
}

func (r *testRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v ...interface{}) {
		bz, _ := json.Marshal(v)
		writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, bz)
		writeMu.Unlock()
	}

	r.mu.Lock()
	challenge := r.authChallenge
	r.mu.Unlock()
	if challenge != "" {
		send("AUTH", challenge)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		parsed := gjson.ParseBytes(msg).Array()
		if len(parsed) == 0 {
			continue
		}

		switch parsed[0].String() {
		case "REQ":
			subID := parsed[1].String()
			var filter nostr.Filter
			json.Unmarshal([]byte(parsed[2].Raw), &filter)

			r.mu.Lock()
			r.reqs++
			evs := append([]*nostr.Event{}, r.events...)
			eose := r.sendEOSE
			r.mu.Unlock()

			for _, ev := range evs {
				if len(filter.Kinds) > 0 && !containsInt(filter.Kinds, ev.Kind) {
					continue
				}
				send("EVENT", subID, ev)
			}
			if eose {
				send("EOSE", subID)
			}

		case "EVENT":
			var ev nostr.Event
			json.Unmarshal([]byte(parsed[1].Raw), &ev)
			r.mu.Lock()
			accept := r.acceptPublish
			r.mu.Unlock()
			if accept {
				send("OK", ev.ID, true, "")
			} else {
				send("OK", ev.ID, false, "blocked: not welcome here")
			}

		case "AUTH":
			var ev nostr.Event
			json.Unmarshal([]byte(parsed[1].Raw), &ev)
			r.mu.Lock()
			r.authedPubkeys = append(r.authedPubkeys, ev.PubKey)
			r.mu.Unlock()
			send("OK", ev.ID, true, "")

		case "CLOSE":
			// nothing to tear down
		}
	}
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

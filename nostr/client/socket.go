package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/pkgs/logger"
	"github.com/gitrepublic/gitd/nostr/signer"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// SubState is the lifecycle state of one subscription
type SubState int

const (
	SubDialing SubState = iota
	SubOpen
	SubAuthing
	SubSubscribed
	SubDraining
	SubClosed
)

// subscription routes EVENT messages for one REQ to its requester
type subscription struct {
	id     string
	state  SubState
	events chan *nostr.Event
	eose   chan struct{}
	once   sync.Once
}

func (s *subscription) complete() {
	s.once.Do(func() { close(s.eose) })
}

// okResult is one relay's verdict on a published event
type okResult struct {
	accepted bool
	reason   string
}

// socket is one pooled websocket to a relay. Several concurrent requests
// share it through subscription-id demultiplexing; a single read loop
// dispatches incoming messages.
type socket struct {
	url    string
	conn   *websocket.Conn
	log    logger.Logger
	signer signer.Signer

	mu       sync.Mutex
	lastUsed time.Time
	pending  int
	subs     map[string]*subscription
	oks      map[string]chan okResult

	// authGate is closed when REQ frames may be transmitted. An AUTH
	// challenge swaps in an open gate until the relay acknowledges
	// the challenge response.
	authGate    chan struct{}
	authEventID string

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func dialSocket(ctx context.Context, url string, sgn signer.Signer, log logger.Logger) (*socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: params.RelayConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to relay (%s)", url)
	}

	gate := make(chan struct{})
	close(gate)

	sk := &socket{
		url:      url,
		conn:     conn,
		log:      log,
		signer:   sgn,
		lastUsed: time.Now(),
		subs:     make(map[string]*subscription),
		oks:      make(map[string]chan okResult),
		authGate: gate,
		closed:   make(chan struct{}),
	}
	go sk.readLoop()
	return sk, nil
}

func (s *socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// close tears down the socket. Live subscriptions are completed so their
// requesters return whatever events were collected so far.
func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.mu.Lock()
		for _, sub := range s.subs {
			sub.state = SubClosed
			sub.complete()
		}
		s.subs = make(map[string]*subscription)
		for _, ch := range s.oks {
			select {
			case ch <- okResult{accepted: false, reason: "socket closed"}:
			default:
			}
		}
		s.oks = make(map[string]chan okResult)
		s.mu.Unlock()
	})
}

func (s *socket) write(v interface{}) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, bz)
}

// waitAuthGate blocks until REQ transmission is allowed or the context ends
func (s *socket) waitAuthGate(ctx context.Context) error {
	s.mu.Lock()
	gate := s.authGate
	s.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-s.closed:
		return errors.New("socket closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *socket) addSub(sub *subscription) {
	s.mu.Lock()
	s.subs[sub.id] = sub
	s.pending++
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *socket) removeSub(id string) {
	s.mu.Lock()
	if _, ok := s.subs[id]; ok {
		delete(s.subs, id)
		s.pending--
	}
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *socket) addOK(eventID string) chan okResult {
	ch := make(chan okResult, 1)
	s.mu.Lock()
	s.oks[eventID] = ch
	s.pending++
	s.lastUsed = time.Now()
	s.mu.Unlock()
	return ch
}

func (s *socket) removeOK(eventID string) {
	s.mu.Lock()
	if _, ok := s.oks[eventID]; ok {
		delete(s.oks, eventID)
		s.pending--
	}
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *socket) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *socket) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		return 0
	}
	return time.Since(s.lastUsed)
}

// readLoop is the socket's single message-dispatch loop. All protocol
// state transitions happen here.
func (s *socket) readLoop() {
	defer s.close()
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		parsed := gjson.ParseBytes(msg)
		if !parsed.IsArray() {
			continue
		}
		arr := parsed.Array()
		if len(arr) == 0 {
			continue
		}

		switch arr[0].String() {
		case "EVENT":
			if len(arr) < 3 {
				continue
			}
			s.dispatchEvent(arr[1].String(), []byte(arr[2].Raw))

		case "EOSE":
			if len(arr) < 2 {
				continue
			}
			s.mu.Lock()
			sub := s.subs[arr[1].String()]
			s.mu.Unlock()
			if sub != nil {
				sub.state = SubDraining
				sub.complete()
			}

		case "CLOSED":
			if len(arr) < 2 {
				continue
			}
			s.mu.Lock()
			sub := s.subs[arr[1].String()]
			s.mu.Unlock()
			if sub != nil {
				sub.state = SubClosed
				sub.complete()
			}

		case "OK":
			if len(arr) < 3 {
				continue
			}
			s.dispatchOK(arr[1].String(), arr[2].Bool(), tail(arr, 3))

		case "AUTH":
			if len(arr) < 2 {
				continue
			}
			s.handleAuthChallenge(arr[1].String())

		case "NOTICE":
			if len(arr) > 1 {
				s.log.Debug("Relay notice", "Relay", s.url, "Msg", arr[1].String())
			}
		}
	}
}

func tail(arr []gjson.Result, i int) string {
	if len(arr) > i {
		return arr[i].String()
	}
	return ""
}

func (s *socket) dispatchEvent(subID string, raw []byte) {
	s.mu.Lock()
	sub := s.subs[subID]
	s.mu.Unlock()
	if sub == nil {
		return
	}

	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.log.Debug("Discarding malformed event", "Relay", s.url, "Err", err.Error())
		return
	}

	select {
	case sub.events <- &ev:
	default:
		s.log.Debug("Subscription buffer full; dropping event", "Relay", s.url, "Sub", subID)
	}
}

func (s *socket) dispatchOK(eventID string, accepted bool, reason string) {
	s.mu.Lock()
	isAuthAck := eventID == s.authEventID || eventID == "auth"
	ch := s.oks[eventID]
	s.mu.Unlock()

	if isAuthAck {
		if accepted {
			s.finishAuth()
		} else {
			s.log.Debug("Relay rejected auth", "Relay", s.url, "Reason", reason)
			s.finishAuth()
		}
		return
	}
	if ch != nil {
		select {
		case ch <- okResult{accepted: accepted, reason: reason}:
		default:
		}
	}
}

// handleAuthChallenge answers a NIP-42 challenge. REQ transmission is
// suspended until the relay acknowledges. Without a signer the
// challenge is skipped and transmission resumes immediately.
func (s *socket) handleAuthChallenge(challenge string) {
	if s.signer == nil || !s.signer.CanSign() {
		return
	}

	s.mu.Lock()
	s.authGate = make(chan struct{})
	for _, sub := range s.subs {
		if sub.state == SubSubscribed || sub.state == SubOpen {
			sub.state = SubAuthing
		}
	}
	s.mu.Unlock()

	ev := &nostr.Event{
		Kind:      params.KindRelayAuth,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"relay", s.url},
			{"challenge", challenge},
		},
	}
	if err := s.signer.Sign(ev); err != nil {
		s.log.Debug("Failed to sign auth challenge", "Relay", s.url, "Err", err.Error())
		s.finishAuth()
		return
	}

	s.mu.Lock()
	s.authEventID = ev.ID
	s.mu.Unlock()

	if err := s.write([]interface{}{"AUTH", ev}); err != nil {
		s.log.Debug("Failed to send auth response", "Relay", s.url, "Err", err.Error())
		s.finishAuth()
	}
}

func (s *socket) finishAuth() {
	s.mu.Lock()
	select {
	case <-s.authGate:
	default:
		close(s.authGate)
	}
	for _, sub := range s.subs {
		if sub.state == SubAuthing {
			sub.state = SubSubscribed
		}
	}
	s.mu.Unlock()
}

package dht

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"

	"github.com/fogkv/daqkv/internal/status"
)

// DefaultTimeout is the default synchronous-call timeout.
const DefaultTimeout = time.Second

// inflight tracks one outstanding request awaiting its correlated
// response.
type inflight struct {
	done chan Response
}

// Session is one DHT client connection to a single neighbor, with its
// own identity, lifecycle state, and correlation table for matching
// responses to outstanding requests.
type Session struct {
	id        uuid.UUID
	neighbor  Neighbor
	log       zerolog.Logger

	mu    sync.Mutex
	conn  net.Conn
	state State

	corrMu  sync.Mutex
	nextID  uint64
	waiters map[uint64]*inflight

	arena *bytebufferpool.Pool // transmit arena for allocKey
}

// NewSession dials neighbor and performs the handshake. Returns a
// Session in StateInit if the dial fails; callers should Ping to attempt
// to transition it to StateReady before first use.
func NewSession(neighbor Neighbor, log zerolog.Logger) *Session {
	id := uuid.New()
	s := &Session{
		id:       id,
		neighbor: neighbor,
		log: log.With().Str("component", "dht.client").
			Str("neighbor", neighbor.ID).Str("session", id.String()).Logger(),
		waiters: make(map[uint64]*inflight),
		arena:   new(bytebufferpool.Pool),
	}
	s.dial()
	return s
}

// ID returns the session's identity, fixed at construction.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) addr() string {
	return net.JoinHostPort(s.neighbor.IP, strconv.Itoa(s.neighbor.Port))
}

func (s *Session) dial() {
	conn, err := net.DialTimeout("tcp", s.addr(), DefaultTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.conn == nil {
			s.state = StateInit
		}
		return
	}
	if s.conn != nil {
		// Another caller re-dialed first; keep the established session.
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateReady
	go s.readLoop(conn)
}

func (s *Session) readLoop(conn net.Conn) {
	for {
		resp, err := ReadResponse(conn)
		if err != nil {
			s.markNotResponding()
			return
		}
		s.corrMu.Lock()
		w, ok := s.waiters[resp.CorrelationID]
		if ok {
			delete(s.waiters, resp.CorrelationID)
		}
		s.corrMu.Unlock()
		if ok {
			w.done <- resp
		}
	}
}

func (s *Session) markNotResponding() {
	s.mu.Lock()
	s.state = StateNotResponding
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	s.log.Warn().Msg("peer not responding")
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ping attempts a lightweight round trip (a GET for the one-byte key
// {0}) to
// verify the peer is responsive, transitioning NotResponding back to
// Ready on success.
func (s *Session) Ping(ctx context.Context) bool {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		s.dial()
		s.mu.Lock()
	}
	ready := s.conn != nil
	s.mu.Unlock()
	if !ready {
		return false
	}
	_, code := s.get(ctx, []byte{0})
	ok := code != status.TimeOut && code != status.UnknownError
	s.mu.Lock()
	if ok {
		s.state = StateReady
	}
	s.mu.Unlock()
	return ok
}

func (s *Session) send(ctx context.Context, msg Message) (Response, status.Code) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Transport-level recovery: re-dial a session that never came up
		// or dropped to NOT_RESPONDING before giving up on this call.
		s.dial()
		s.mu.Lock()
		conn = s.conn
		s.mu.Unlock()
		if conn == nil {
			return Response{}, status.TimeOut
		}
	}

	id := atomic.AddUint64(&s.nextID, 1)
	msg.CorrelationID = id
	w := &inflight{done: make(chan Response, 1)}
	s.corrMu.Lock()
	s.waiters[id] = w
	s.corrMu.Unlock()

	if err := WriteMessage(conn, msg); err != nil {
		s.corrMu.Lock()
		delete(s.waiters, id)
		s.corrMu.Unlock()
		s.markNotResponding()
		return Response{}, status.TimeOut
	}

	select {
	case resp := <-w.done:
		return resp, status.OK
	case <-ctx.Done():
		s.corrMu.Lock()
		delete(s.waiters, id)
		s.corrMu.Unlock()
		return Response{}, status.TimeOut
	}
}

// Put sends a PUT RPC and waits for the response, or TIME_OUT after ctx
// expires. The frame payload is assembled in the session's transmit
// arena, not a fresh allocation per request; send writes it to the
// socket before returning, so the buffer goes back to the arena as soon
// as send comes back.
func (s *Session) Put(ctx context.Context, key, value []byte) status.Code {
	buf, release := s.AllocKey(len(key) + len(value))
	copy(buf, key)
	copy(buf[len(key):], value)
	resp, code := s.send(ctx, Message{Type: ReqPut, KeySize: uint32(len(key)), ValueSize: uint32(len(value)), Payload: buf})
	release(buf)
	if code != status.OK {
		return code
	}
	return status.Code(resp.Status)
}

// Get sends a GET RPC and waits for the response.
func (s *Session) Get(ctx context.Context, key []byte) ([]byte, status.Code) {
	return s.get(ctx, key)
}

func (s *Session) get(ctx context.Context, key []byte) ([]byte, status.Code) {
	resp, code := s.send(ctx, Message{Type: ReqGet, KeySize: uint32(len(key)), ValueSize: 0, Payload: key})
	if code != status.OK {
		return nil, code
	}
	if status.Code(resp.Status) != status.OK {
		return nil, status.Code(resp.Status)
	}
	return resp.Payload, status.OK
}

// Remove sends a REMOVE RPC and waits for the response. Like get, the
// key is borrowed for the duration of the synchronous send, so no copy
// is needed.
func (s *Session) Remove(ctx context.Context, key []byte) status.Code {
	resp, code := s.send(ctx, Message{Type: ReqRemove, KeySize: uint32(len(key)), Payload: key})
	if code != status.OK {
		return code
	}
	return status.Code(resp.Status)
}

// AllocKey returns an engine-owned buffer of size n carved from this
// session's pre-registered transmit arena. Both callers building keys
// ahead of a send and the session's own Put path draw from this arena,
// so the outbound path allocates nothing per request.
func (s *Session) AllocKey(n int) (buf []byte, release func([]byte)) {
	bb := s.arena.Get()
	bb.B = growTo(bb.B, n)
	return bb.B, func([]byte) { bb.B = bb.B[:0]; s.arena.Put(bb) }
}

func growTo(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.state = StateInit
	return err
}

// Client holds one Session per configured neighbor; the façade pairs
// it with Router.Lookup to dispatch a key to the right peer.
type Client struct {
	sessions map[string]*Session
}

// NewClient builds sessions for every neighbor.
func NewClient(neighbors []Neighbor, log zerolog.Logger) *Client {
	c := &Client{sessions: make(map[string]*Session, len(neighbors))}
	for _, n := range neighbors {
		c.sessions[n.ID] = NewSession(n, log)
	}
	return c
}

// Session returns the session for neighbor id, or nil if unknown.
func (c *Client) Session(id string) *Session { return c.sessions[id] }

// Close tears down every session.
func (c *Client) Close() {
	for _, s := range c.sessions {
		_ = s.Close()
	}
}

package dht

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fogkv/daqkv/internal/status"
)

// LocalStore is the subset of the KV façade the DHT server dispatches
// onto once it has decoded an incoming message. Defined here (rather
// than imported from the root package) so internal/dht does not depend
// on the root daqkv package, which itself depends on internal/dht for
// Client/Server — the root Store implements this interface directly.
type LocalStore interface {
	Put(key, value []byte) status.Code
	Get(key []byte) ([]byte, status.Code)
	Remove(key []byte) status.Code
}

// Server is the RPC endpoint accepting Get/Put/Remove over a TCP
// transport: a decode-dispatch-encode loop per connection.
type Server struct {
	store    LocalStore
	listener net.Listener
	log      zerolog.Logger

	stopping int32
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer binds addr and returns a Server dispatching onto store. It
// does not start accepting connections until Serve is called.
func NewServer(addr string, store LocalStore, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:    store,
		listener: ln,
		log:      log.With().Str("component", "dht.server").Logger(),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the server's bound address (useful when addr was ":0").
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve runs the accept loop until Stop is called or the listener is
// closed. Each accepted connection is served on its own goroutine, but
// every connection's request handling is itself single-threaded and
// strictly request-then-response.
func (s *Server) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("dht server listening")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.stopping) == 1 {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop closes the listener, causing Serve to return, then closes every
// open connection and waits for their handlers to finish the request
// they are on.
func (s *Server) Stop() {
	atomic.StoreInt32(&s.stopping, 1)
	_ = s.listener.Close()
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

func (s *Server) serveConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
	}()
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		resp := s.handle(msg)
		if err := WriteResponse(conn, resp); err != nil {
			return
		}
	}
}

// handle parses the incoming message into (keySize, valueSize,
// payload), dispatches the corresponding façade operation, and
// serializes the result. Any panic from the façade is recovered and
// converted into UnknownError in the response.
func (s *Server) handle(msg Message) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Status: int32(status.UnknownError), CorrelationID: msg.CorrelationID}
		}
	}()

	key := msg.Payload[:msg.KeySize]
	value := msg.Payload[msg.KeySize:]

	switch msg.Type {
	case ReqGet:
		val, code := s.store.Get(key)
		if code != status.OK {
			return Response{Status: int32(code), CorrelationID: msg.CorrelationID}
		}
		return Response{Status: int32(status.OK), CorrelationID: msg.CorrelationID, Payload: val}

	case ReqPut:
		code := s.store.Put(key, value)
		return Response{Status: int32(code), CorrelationID: msg.CorrelationID}

	case ReqRemove:
		code := s.store.Remove(key)
		return Response{Status: int32(code), CorrelationID: msg.CorrelationID}

	default:
		return Response{Status: int32(status.NotSupported), CorrelationID: msg.CorrelationID}
	}
}

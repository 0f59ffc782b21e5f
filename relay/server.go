package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relayfab/relayfab/transport"
)

// Config carries the server's startup parameters.
type Config struct {
	// Addr is the TCP listen address, e.g. ":7420". Use ":0" in tests.
	Addr string
	// DataDir holds the offline queue files.
	DataDir string
}

// Server accepts connections and runs one read loop per connection.
type Server struct {
	cfg      Config
	log      *logrus.Logger
	registry *Registry
	rooms    *RoomTable
	offline  *OfflineStore
	router   *Router

	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewServer builds a server with its own registry, room table, and
// offline store. Passing a nil logger uses the logrus standard logger.
func NewServer(cfg Config, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	offline, err := NewOfflineStore(filepath.Join(cfg.DataDir, "offline"))
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	rooms := NewRoomTable()
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		rooms:    rooms,
		offline:  offline,
		router:   NewRouter(registry, offline, rooms, log),
	}, nil
}

// Start binds the listen address and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.log.WithField("addr", ln.Addr().String()).Info("relay listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until ctx is canceled, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener and every live connection, then waits for the
// connection loops to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, sess := range s.registry.sessionList() {
		sess.close()
	}
	s.wg.Wait()
	s.log.Info("relay stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn owns one connection: registration handshake, offline replay,
// then the dispatch loop until the peer goes away.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := transport.NewFrameReader(conn)

	sess, err := s.awaitRegistration(conn, reader)
	if err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).
			Debug("connection closed before registration")
		return
	}

	log := s.log.WithFields(logrus.Fields{
		"client_id": sess.clientID,
		"username":  sess.username,
	})
	log.Info("client registered")

	// Replay everything owed to this identity before it is announced or
	// visible to live routing. Other clients keep queueing for it until
	// the replay is done, so queued traffic always precedes new traffic.
	s.replayRoomInfos(sess)
	s.replayOffline(sess)
	s.registry.BroadcastPresence()

	s.readLoop(sess, reader, log)

	if s.registry.Remove(sess.clientID, conn) {
		log.Info("client disconnected")
		s.registry.BroadcastPresence()
	}
}

// awaitRegistration reads packets until a valid Register arrives. Other
// packet types before registration are dropped; frame-level violations
// end the connection.
func (s *Server) awaitRegistration(conn net.Conn, reader *transport.FrameReader) (*session, error) {
	for {
		pkt, err := reader.ReadPacket()
		if errors.Is(err, transport.ErrUnknownPacketType) || errors.Is(err, transport.ErrMalformedPacket) {
			continue
		}
		if err != nil {
			return nil, err
		}
		reg, ok := pkt.(*transport.Register)
		if !ok {
			continue
		}
		if reg.ClientID == "" {
			return nil, errors.New("registration with empty clientId")
		}

		sess := &session{
			clientID:  reg.ClientID,
			username:  reg.Username,
			publicKey: reg.PublicKey,
			conn:      conn,
			writer:    transport.NewFrameWriter(conn),
		}
		s.registry.Register(sess)
		return sess, nil
	}
}

// replayRoomInfos re-derives room metadata for the newly online identity.
func (s *Server) replayRoomInfos(sess *session) {
	for _, info := range s.rooms.InfosFor(sess.clientID) {
		if err := sess.send(info); err != nil {
			return
		}
	}
}

// replayOffline forwards every queued envelope oldest-first, before any
// new traffic is processed for this identity. The recipient's queue lock
// is held across the replay and the readiness flip: envelopes routed
// concurrently either land in the queue in time to be replayed here, or
// wait on the lock and go out live strictly afterwards. Entries stay
// queued until the client acknowledges them with delivered_to_client.
func (s *Server) replayOffline(sess *session) {
	l := s.offline.lockFor(sess.clientID)
	l.Lock()
	defer l.Unlock()
	defer sess.markReady()

	pending, err := s.offline.readLines(sess.clientID)
	if err != nil {
		s.log.WithError(err).WithField("client_id", sess.clientID).Error("offline replay failed")
		return
	}
	for _, payload := range pending {
		if err := sess.sendRaw(payload); err != nil {
			return
		}
	}
	if len(pending) > 0 {
		s.log.WithFields(logrus.Fields{
			"client_id": sess.clientID,
			"count":     len(pending),
		}).Info("offline queue replayed")
	}
}

func (s *Server) readLoop(sess *session, reader *transport.FrameReader, log *logrus.Entry) {
	for {
		pkt, err := reader.ReadPacket()
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrUnknownPacketType):
			continue
		case errors.Is(err, transport.ErrMalformedPacket):
			log.Debug("malformed packet dropped")
			continue
		case errors.Is(err, transport.ErrFrameTooLarge), errors.Is(err, transport.ErrInvalidFrameLength):
			log.WithError(err).Warn("protocol violation, closing connection")
			return
		default:
			// Read failure or clean EOF: either way, a disconnect.
			return
		}

		if _, isLogout := pkt.(*transport.Logout); isLogout {
			log.Info("client logout")
			return
		}
		s.router.HandlePacket(sess, pkt)
	}
}

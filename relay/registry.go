package relay

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/relayfab/relayfab/transport"
)

// session is one live, registered connection. Writes are serialized by
// writeMu; the read loop owns the other direction exclusively.
//
// A session starts unready: it is registered (so eviction works and its
// key is resolvable) but invisible to the routing path until its offline
// queue has been replayed. New traffic for an unready identity goes to
// the queue, where the in-progress replay picks it up.
type session struct {
	clientID  string
	username  string
	publicKey string

	conn    net.Conn
	writer  *transport.FrameWriter
	writeMu sync.Mutex

	ready     atomic.Bool
	closeOnce sync.Once
}

// markReady opens the session to live forwarding, after replay.
func (s *session) markReady() {
	s.ready.Store(true)
}

// send encodes and writes one packet. Failures are returned, not fatal;
// the connection's read loop notices the broken socket and cleans up.
func (s *session) send(pkt transport.Packet) error {
	payload, err := transport.EncodePacket(pkt)
	if err != nil {
		return err
	}
	return s.sendRaw(payload)
}

// sendRaw writes one pre-encoded frame payload.
func (s *session) sendRaw(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writer.WriteFrame(payload)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}

// Registry maps identities to live sessions and remembers every identity
// it has ever seen, so presence broadcasts can list offline users too.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	known    map[string]string // clientID -> last username
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		known:    make(map[string]string),
	}
}

// Register installs a session for its identity, evicting any previous
// session for the same clientId. The evicted session, if any, is returned
// already closed; at most one live connection exists per identity.
func (r *Registry) Register(s *session) *session {
	r.mu.Lock()
	evicted := r.sessions[s.clientID]
	r.sessions[s.clientID] = s
	r.known[s.clientID] = s.username
	r.mu.Unlock()

	if evicted != nil {
		evicted.close()
		logrus.WithFields(logrus.Fields{
			"client_id": s.clientID,
		}).Info("evicted previous connection for identity")
	}
	return evicted
}

// Remove drops the registry entry for clientID, but only if it still
// belongs to conn. A reader cleaning up after an eviction must not remove
// the connection that replaced it.
func (r *Registry) Remove(clientID string, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[clientID]
	if !ok || s.conn != conn {
		return false
	}
	delete(r.sessions, clientID)
	return true
}

// Get returns the live session for clientID, if any. Sessions still
// replaying their offline queue are reported as absent so new envelopes
// keep flowing into the queue until the replay finishes.
func (r *Registry) Get(clientID string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	if !ok || !s.ready.Load() {
		return nil, false
	}
	return s, true
}

// PublicKeyOf returns the registered public key for a currently connected
// identity. Keys live exactly as long as the connection.
func (r *Registry) PublicKeyOf(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return "", false
	}
	return s.publicKey, true
}

// Snapshot builds the current presence list, online and offline, sorted
// by clientId for stable output.
func (r *Registry) Snapshot() []transport.UserEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]transport.UserEntry, 0, len(r.known))
	for id, name := range r.known {
		_, online := r.sessions[id]
		users = append(users, transport.UserEntry{
			ClientID: id,
			Username: name,
			Online:   online,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ClientID < users[j].ClientID })
	return users
}

// sessionList returns the live sessions at this instant.
func (r *Registry) sessionList() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastPresence pushes the full presence list to every connected
// client. A session failing mid-broadcast is skipped; its own read loop
// handles the disconnect.
func (r *Registry) BroadcastPresence() {
	list := &transport.UserList{Users: r.Snapshot()}
	payload, err := transport.EncodePacket(list)
	if err != nil {
		return
	}
	for _, s := range r.sessionList() {
		if err := s.sendRaw(payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"client_id": s.clientID,
			}).Debug("presence broadcast skipped dead connection")
		}
	}
}

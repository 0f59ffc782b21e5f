package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	relaycrypto "github.com/relayfab/relayfab/crypto"
	"github.com/relayfab/relayfab/store"
	"github.com/relayfab/relayfab/transport"
)

// ErrConnectionClosed indicates an operation on a client whose connection
// has gone away.
var ErrConnectionClosed = errors.New("connection closed")

// Config carries the client's connection and delivery parameters.
type Config struct {
	// Addr is the relay server's host:port.
	Addr string
	// Username is the mutable display name announced at registration.
	Username string
	// DataDir holds conversation logs and the pinned-conversation file.
	DataDir string

	// KeyLookupTimeout bounds how long a send waits for a public key.
	KeyLookupTimeout time.Duration
	// ResendTick is the pending-message sweep interval.
	ResendTick time.Duration
	// RetryInterval is the minimum gap between resends of one message.
	RetryInterval time.Duration
	// TimeoutCeiling is the hard limit after which a pending message is
	// declared failed and never resent.
	TimeoutCeiling time.Duration
	// MaxAttempts caps transmissions per message, first send included.
	MaxAttempts int
}

// DefaultConfig returns the standard delivery parameters.
func DefaultConfig() Config {
	return Config{
		KeyLookupTimeout: 5 * time.Second,
		ResendTick:       1 * time.Second,
		RetryInterval:    3 * time.Second,
		TimeoutCeiling:   120 * time.Second,
		MaxAttempts:      6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyLookupTimeout == 0 {
		c.KeyLookupTimeout = d.KeyLookupTimeout
	}
	if c.ResendTick == 0 {
		c.ResendTick = d.ResendTick
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.TimeoutCeiling == 0 {
		c.TimeoutCeiling = d.TimeoutCeiling
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Message is one decrypted envelope handed to the application layer.
type Message struct {
	MessageID string
	FromID    string
	FromUser  string
	// RoomID is empty for 1:1 messages.
	RoomID    string
	Text      string
	Timestamp time.Time
	// Verified is false when the sender's signature could not be checked
	// or did not match. Unverified messages are delivered regardless.
	Verified bool
}

// Client is one connected endpoint identity.
type Client struct {
	cfg      Config
	identity *relaycrypto.Identity

	conn    net.Conn
	writer  *transport.FrameWriter
	writeMu sync.Mutex

	pending *pendingTracker
	keys    *keyCache
	history *store.ConversationStore
	pins    *store.PinnedSet

	mu       sync.Mutex
	seen     map[string]struct{}
	users    []transport.UserEntry
	rooms    map[string]*transport.RoomInfo
	closed   bool
	handlers handlers

	// Per-sender delivery queues for envelopes whose signature key is
	// still being looked up; drained in arrival order by one goroutine
	// per sender.
	verifyMu     sync.Mutex
	verifyQueues map[string][]queuedDelivery
	verifyBusy   map[string]bool

	readerDone chan struct{}
	closeOnce  sync.Once
}

type handlers struct {
	onMessage     func(Message)
	onStage       StageCallback
	onPresence    func([]transport.UserEntry)
	onRoom        func(*transport.RoomInfo)
	onRoomRemoved func(roomID string)
	onTyping      func(fromID, fromUser string, isTyping bool)
	onRecall      func(fromID, messageID string)
}

// Dial connects, registers the identity, replays nothing locally (the
// server replays the offline queue), and starts the read loop and the
// resend timer.
func Dial(cfg Config, identity *relaycrypto.Identity) (*Client, error) {
	cfg = cfg.withDefaults()

	history, err := store.NewConversationStore(filepath.Join(cfg.DataDir, "history"))
	if err != nil {
		return nil, err
	}
	pins, err := store.OpenPinnedSet(filepath.Join(cfg.DataDir, "pinned.json"))
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		identity:     identity,
		conn:         conn,
		writer:       transport.NewFrameWriter(conn),
		history:      history,
		pins:         pins,
		seen:         make(map[string]struct{}),
		rooms:        make(map[string]*transport.RoomInfo),
		verifyQueues: make(map[string][]queuedDelivery),
		verifyBusy:   make(map[string]bool),
		readerDone:   make(chan struct{}),
	}
	c.keys = newKeyCache(cfg.KeyLookupTimeout, func(clientID string) error {
		return c.send(&transport.GetPublicKey{ClientID: clientID, FromID: c.identity.ClientID})
	})
	c.pending = newPendingTracker(cfg.RetryInterval, cfg.TimeoutCeiling, cfg.ResendTick, cfg.MaxAttempts,
		c.sendRawQuiet, c.dispatchStage)

	pubPEM, err := relaycrypto.EncodePublicKey(identity.KeyPair.Public)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.send(&transport.Register{
		ClientID:  identity.ClientID,
		Username:  cfg.Username,
		PublicKey: pubPEM,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	c.pending.start()
	go c.readLoop()
	return c, nil
}

// ClientID returns the stable identity this client registered as.
func (c *Client) ClientID() string { return c.identity.ClientID }

// History exposes the durable conversation log store.
func (c *Client) History() *store.ConversationStore { return c.history }

// Pins exposes the pinned-conversation set.
func (c *Client) Pins() *store.PinnedSet { return c.pins }

// OnMessage sets the handler for decrypted incoming messages.
func (c *Client) OnMessage(fn func(Message)) { c.setHandler(func(h *handlers) { h.onMessage = fn }) }

// OnStageChange sets the handler for outgoing delivery-stage changes.
func (c *Client) OnStageChange(fn StageCallback) { c.setHandler(func(h *handlers) { h.onStage = fn }) }

// OnPresence sets the handler for presence-list broadcasts.
func (c *Client) OnPresence(fn func([]transport.UserEntry)) {
	c.setHandler(func(h *handlers) { h.onPresence = fn })
}

// OnRoomInfo sets the handler for room creation and replay pushes.
func (c *Client) OnRoomInfo(fn func(*transport.RoomInfo)) {
	c.setHandler(func(h *handlers) { h.onRoom = fn })
}

// OnRoomRemoved sets the handler for room retractions.
func (c *Client) OnRoomRemoved(fn func(roomID string)) {
	c.setHandler(func(h *handlers) { h.onRoomRemoved = fn })
}

// OnTyping sets the handler for typing indicator relays.
func (c *Client) OnTyping(fn func(fromID, fromUser string, isTyping bool)) {
	c.setHandler(func(h *handlers) { h.onTyping = fn })
}

// OnRecall sets the handler for message recalls.
func (c *Client) OnRecall(fn func(fromID, messageID string)) {
	c.setHandler(func(h *handlers) { h.onRecall = fn })
}

func (c *Client) setHandler(set func(*handlers)) {
	c.mu.Lock()
	set(&c.handlers)
	c.mu.Unlock()
}

func (c *Client) getHandlers() handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// send encodes and writes one packet, serialized against other writers.
func (c *Client) send(pkt transport.Packet) error {
	payload, err := transport.EncodePacket(pkt)
	if err != nil {
		return err
	}
	return c.sendRaw(payload)
}

func (c *Client) sendRaw(payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteFrame(payload)
}

// sendRawQuiet is the resend path: after close it is a no-op, never an
// error, so a stale timer firing during teardown stays silent.
func (c *Client) sendRawQuiet(payload []byte) {
	_ = c.sendRaw(payload)
}

// SendMessage encrypts, signs, and sends one 1:1 message. It returns the
// generated messageId; delivery progress arrives via OnStageChange.
func (c *Client) SendMessage(ctx context.Context, toID, toUser, text string) (string, error) {
	key, err := c.keys.lookup(ctx, toID)
	if err != nil {
		return "", err
	}

	plaintext := []byte(text)
	env, err := relaycrypto.Seal(plaintext, c.identity.KeyPair.Private, map[string]*rsa.PublicKey{toID: key})
	if err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	now := time.Now()
	chat := &transport.Chat{
		MessageID: messageID,
		Timestamp: now.UnixMilli(),
		FromID:    c.identity.ClientID,
		ToID:      toID,
		FromUser:  c.cfg.Username,
		ToUser:    toUser,
		EncKey:    env.EncKeys[toID],
		EncMsg:    env.EncMsg,
		Sig:       env.Sig,
	}
	payload, err := transport.EncodePacket(chat)
	if err != nil {
		return "", err
	}

	c.pending.track(messageID, payload)
	if err := c.sendRaw(payload); err != nil {
		return "", err
	}

	if err := c.history.Append(toID, store.Entry{
		Timestamp:       now.UnixMilli(),
		Direction:       store.DirectionOut,
		PeerID:          toID,
		PeerDisplayName: toUser,
		Plaintext:       text,
		MessageID:       messageID,
		Status:          string(StageNew),
	}); err != nil {
		logrus.WithError(err).Warn("history append failed")
	}
	return messageID, nil
}

// SendRoomMessage encrypts one payload under a fresh symmetric key and
// wraps that key once per room member except this sender. Any member
// whose public key cannot be obtained fails the whole send.
func (c *Client) SendRoomMessage(ctx context.Context, roomID, text string) (string, error) {
	c.mu.Lock()
	info, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown room %s", roomID)
	}

	recipients := make(map[string]*rsa.PublicKey)
	for _, memberID := range info.MemberIDs {
		if memberID == c.identity.ClientID {
			continue
		}
		key, err := c.keys.lookup(ctx, memberID)
		if err != nil {
			return "", fmt.Errorf("member %s: %w", memberID, err)
		}
		recipients[memberID] = key
	}

	env, err := relaycrypto.Seal([]byte(text), c.identity.KeyPair.Private, recipients)
	if err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	now := time.Now()
	rc := &transport.RoomChat{
		RoomID:    roomID,
		FromID:    c.identity.ClientID,
		FromUser:  c.cfg.Username,
		EncMsg:    env.EncMsg,
		EncKeys:   env.EncKeys,
		Sig:       env.Sig,
		MessageID: messageID,
		Timestamp: now.UnixMilli(),
	}
	payload, err := transport.EncodePacket(rc)
	if err != nil {
		return "", err
	}

	c.pending.track(messageID, payload)
	if err := c.sendRaw(payload); err != nil {
		return "", err
	}

	if err := c.history.Append(roomID, store.Entry{
		Timestamp: now.UnixMilli(),
		Direction: store.DirectionOut,
		PeerID:    roomID,
		Plaintext: text,
		MessageID: messageID,
		Status:    string(StageNew),
	}); err != nil {
		logrus.WithError(err).Warn("history append failed")
	}
	return messageID, nil
}

// CreateRoom asks the server to register a room over the given members.
// The creator is always included. The room becomes usable when the server
// pushes its RoomInfo back.
func (c *Client) CreateRoom(name string, memberIDs []string) (string, error) {
	roomID := uuid.NewString()
	members := memberIDs
	if !contains(members, c.identity.ClientID) {
		members = append(append([]string{}, memberIDs...), c.identity.ClientID)
	}
	err := c.send(&transport.CreateRoom{
		RoomID:    roomID,
		RoomName:  name,
		CreatorID: c.identity.ClientID,
		MemberIDs: members,
	})
	if err != nil {
		return "", err
	}
	return roomID, nil
}

// LeaveRoom removes this identity from the room, server-authoritative.
func (c *Client) LeaveRoom(roomID string) error {
	return c.send(&transport.LeaveRoom{RoomID: roomID, ClientID: c.identity.ClientID})
}

// Rooms returns this client's current view of its room memberships.
func (c *Client) Rooms() []*transport.RoomInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*transport.RoomInfo, 0, len(c.rooms))
	for _, info := range c.rooms {
		out = append(out, info)
	}
	return out
}

// Users returns the last presence list received from the server.
func (c *Client) Users() []transport.UserEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.UserEntry(nil), c.users...)
}

// MarkSeen tells the original sender this message has been viewed. Only
// meaningful for 1:1 conversations.
func (c *Client) MarkSeen(peerID, messageID string) error {
	return c.send(&transport.SeenReceipt{
		MessageID: messageID,
		FromID:    peerID,
		ToID:      c.identity.ClientID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendTyping relays a best-effort typing indicator.
func (c *Client) SendTyping(toID string, isTyping bool) error {
	return c.send(&transport.Typing{
		FromID:   c.identity.ClientID,
		ToID:     toID,
		FromUser: c.cfg.Username,
		IsTyping: isTyping,
	})
}

// RecallMessage asks the peer to retract a previously sent message.
// Best-effort: no persistence, no acknowledgement.
func (c *Client) RecallMessage(toID, messageID string) error {
	return c.send(&transport.Recall{
		FromID:    c.identity.ClientID,
		ToID:      toID,
		MessageID: messageID,
	})
}

// PendingStage returns the tracked delivery stage for an outgoing message.
func (c *Client) PendingStage(messageID string) (Stage, bool) {
	m, ok := c.pending.get(messageID)
	if !ok {
		return "", false
	}
	return m.Stage, true
}

// Logout deregisters cleanly and closes the connection.
func (c *Client) Logout() error {
	err := c.send(&transport.Logout{ClientID: c.identity.ClientID})
	c.Close()
	return err
}

// Close tears the client down: the resend timer stops, every outstanding
// key lookup is canceled, and later writes become no-ops.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.keys.cancelAll()
		c.conn.Close()
		c.pending.stop()
		<-c.readerDone
	})
}

func (c *Client) dispatchStage(messageID string, stage Stage) {
	if fn := c.getHandlers().onStage; fn != nil {
		fn(messageID, stage)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

package relay

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfab/relayfab/transport"
)

// routerPeer pairs a registered session with a reader draining the other
// end of its pipe, so handler writes never block.
type routerPeer struct {
	sess    *session
	packets chan transport.Packet
}

func newRouterPeer(t *testing.T, reg *Registry, clientID string) *routerPeer {
	t.Helper()
	sess, clientConn := newTestSession(t, clientID, clientID)
	reg.Register(sess)

	p := &routerPeer{sess: sess, packets: make(chan transport.Packet, 32)}
	go func() {
		reader := transport.NewFrameReader(clientConn)
		for {
			pkt, err := reader.ReadPacket()
			if err != nil {
				close(p.packets)
				return
			}
			p.packets <- pkt
		}
	}()
	return p
}

// nextAck returns the next ChatAck or RoomAck status, or "" on timeout.
func (p *routerPeer) nextAck(t *testing.T, wait time.Duration) transport.Status {
	t.Helper()
	select {
	case pkt, ok := <-p.packets:
		if !ok {
			return ""
		}
		switch a := pkt.(type) {
		case *transport.ChatAck:
			return a.Status
		case *transport.RoomAck:
			return a.Status
		default:
			t.Fatalf("unexpected packet: %#v", pkt)
			return ""
		}
	case <-time.After(wait):
		return ""
	}
}

func newTestRouter(t *testing.T) (*Router, *Registry, *OfflineStore, string) {
	t.Helper()
	dir := t.TempDir() + "/offline"
	offline, err := NewOfflineStore(dir)
	require.NoError(t, err)
	reg := NewRegistry()
	return NewRouter(reg, offline, NewRoomTable(), nil), reg, offline, dir
}

// breakStore makes every queue append fail by turning the store directory
// into a regular file; restoreStore undoes it.
func breakStore(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0o600))
}

func restoreStore(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.Remove(dir))
	require.NoError(t, os.MkdirAll(dir, 0o700))
}

func TestChatResendRetriesAfterQueueFailure(t *testing.T) {
	rt, reg, offline, dir := newTestRouter(t)
	alice := newRouterPeer(t, reg, "alice")

	chat := testChat("alice", "bob", "m1")

	breakStore(t, dir)
	rt.handleChat(alice.sess, chat)
	assert.Equal(t, transport.StatusAccepted, alice.nextAck(t, time.Second))
	assert.Equal(t, transport.Status(""), alice.nextAck(t, 200*time.Millisecond),
		"no disposition ack when nothing was forwarded or queued")

	// The failed attempt must not leave a dedup claim behind.
	rt.mu.Lock()
	assert.Empty(t, rt.seenChats)
	rt.mu.Unlock()

	// The sender's resend runs the full pipeline again.
	restoreStore(t, dir)
	rt.handleChat(alice.sess, chat)
	assert.Equal(t, transport.StatusAccepted, alice.nextAck(t, time.Second))
	assert.Equal(t, transport.StatusOfflineSaved, alice.nextAck(t, time.Second))

	pending, err := offline.Pending("bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRoomResendRetriesAfterQueueFailure(t *testing.T) {
	rt, reg, offline, dir := newTestRouter(t)
	alice := newRouterPeer(t, reg, "alice")
	require.NoError(t, rt.rooms.Create("r1", "ops", []string{"alice", "bob"}))

	rc := &transport.RoomChat{
		RoomID: "r1", FromID: "alice", MessageID: "rm1",
		EncMsg: "CT", EncKeys: map[string]string{"bob": "WK"},
	}

	breakStore(t, dir)
	rt.handleRoomChat(alice.sess, rc)
	assert.Equal(t, transport.StatusAccepted, alice.nextAck(t, time.Second))
	assert.Equal(t, transport.Status(""), alice.nextAck(t, 200*time.Millisecond))

	rt.mu.Lock()
	assert.Empty(t, rt.seenRooms, "failed fan-out must release the dedup entry")
	rt.mu.Unlock()

	restoreStore(t, dir)
	rt.handleRoomChat(alice.sess, rc)
	assert.Equal(t, transport.StatusAccepted, alice.nextAck(t, time.Second))
	assert.Equal(t, transport.StatusOfflineSaved, alice.nextAck(t, time.Second))

	pending, err := offline.Pending("bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRoomDedupEntryExpires(t *testing.T) {
	rt, reg, offline, _ := newTestRouter(t)
	rt.dedupTTL = 10 * time.Millisecond
	alice := newRouterPeer(t, reg, "alice")
	require.NoError(t, rt.rooms.Create("r1", "ops", []string{"alice", "bob"}))

	rc := &transport.RoomChat{
		RoomID: "r1", FromID: "alice", MessageID: "rm1",
		EncMsg: "CT", EncKeys: map[string]string{"bob": "WK"},
	}

	rt.handleRoomChat(alice.sess, rc)
	assert.Equal(t, transport.StatusAccepted, alice.nextAck(t, time.Second))
	assert.Equal(t, transport.StatusOfflineSaved, alice.nextAck(t, time.Second))

	// Within the TTL a resend is collapsed: nothing new is queued.
	rt.handleRoomChat(alice.sess, rc)
	assert.Equal(t, transport.StatusAccepted, alice.nextAck(t, time.Second))
	assert.Equal(t, transport.StatusOfflineSaved, alice.nextAck(t, time.Second))
	pending, err := offline.Pending("bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// bob never reconnects to confirm; the entry must not live forever.
	time.Sleep(25 * time.Millisecond)
	rt.handleRoomChat(alice.sess, rc)
	assert.Equal(t, transport.StatusAccepted, alice.nextAck(t, time.Second))
	assert.Equal(t, transport.StatusOfflineSaved, alice.nextAck(t, time.Second))

	rt.mu.Lock()
	assert.Len(t, rt.seenRooms, 1, "expired entry replaced, not accumulated")
	rt.mu.Unlock()

	// The queue now holds a duplicate; the recipient's own dedup collapses
	// it on replay.
	pending, err = offline.Pending("bob")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

package relay

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfab/relayfab/transport"
)

// wireClient is a protocol-level test peer: it registers an identity and
// funnels every incoming packet into a channel.
type wireClient struct {
	t       *testing.T
	conn    net.Conn
	writer  *transport.FrameWriter
	packets chan transport.Packet
}

func dialWire(t *testing.T, addr, clientID, username string) *wireClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	wc := &wireClient{
		t:       t,
		conn:    conn,
		writer:  transport.NewFrameWriter(conn),
		packets: make(chan transport.Packet, 64),
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		reader := transport.NewFrameReader(conn)
		for {
			pkt, err := reader.ReadPacket()
			if errors.Is(err, transport.ErrUnknownPacketType) || errors.Is(err, transport.ErrMalformedPacket) {
				continue
			}
			if err != nil {
				close(wc.packets)
				return
			}
			wc.packets <- pkt
		}
	}()

	wc.send(&transport.Register{ClientID: clientID, Username: username, PublicKey: "PEM-" + clientID})
	return wc
}

func (wc *wireClient) send(pkt transport.Packet) {
	wc.t.Helper()
	require.NoError(wc.t, wc.writer.WritePacket(pkt))
}

// waitFor returns the first packet satisfying match, discarding others.
func (wc *wireClient) waitFor(match func(transport.Packet) bool) transport.Packet {
	wc.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case pkt, ok := <-wc.packets:
			if !ok {
				wc.t.Fatal("connection closed while waiting for packet")
			}
			if match(pkt) {
				return pkt
			}
		case <-deadline:
			wc.t.Fatal("timed out waiting for packet")
		}
	}
}

func (wc *wireClient) waitForAck(messageID string, status transport.Status) {
	wc.t.Helper()
	wc.waitFor(func(pkt transport.Packet) bool {
		ack, ok := pkt.(*transport.ChatAck)
		return ok && ack.MessageID == messageID && ack.Status == status
	})
}

// expectQuiet asserts no packet matching match arrives within the window.
func (wc *wireClient) expectQuiet(window time.Duration, match func(transport.Packet) bool) {
	wc.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case pkt, ok := <-wc.packets:
			if !ok {
				return
			}
			if match(pkt) {
				wc.t.Fatalf("unexpected packet: %#v", pkt)
			}
		case <-deadline:
			return
		}
	}
}

func isChat(messageID string) func(transport.Packet) bool {
	return func(pkt transport.Packet) bool {
		c, ok := pkt.(*transport.Chat)
		return ok && c.MessageID == messageID
	}
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", DataDir: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func testChat(from, to, messageID string) *transport.Chat {
	return &transport.Chat{
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
		FromID:    from,
		ToID:      to,
		EncKey:    "WK",
		EncMsg:    "CT",
		Sig:       "SIG",
	}
}

func TestRouterDuplicateChatReacksWithoutReforwarding(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")
	bob := dialWire(t, srv.Addr(), "bob", "Bob")

	chat := testChat("alice", "bob", "m1")
	alice.send(chat)
	alice.waitForAck("m1", transport.StatusAccepted)
	alice.waitForAck("m1", transport.StatusDelivered)
	bob.waitFor(isChat("m1"))

	// A retransmission is re-acked in full, so a lost ack cannot stall
	// the sender, but the envelope is not forwarded a second time.
	alice.send(chat)
	alice.waitForAck("m1", transport.StatusAccepted)
	alice.waitForAck("m1", transport.StatusDelivered)
	bob.expectQuiet(300*time.Millisecond, isChat("m1"))
}

func TestRouterOfflineDispositionOnResend(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")

	chat := testChat("alice", "bob", "m1")
	alice.send(chat)
	alice.waitForAck("m1", transport.StatusAccepted)
	alice.waitForAck("m1", transport.StatusOfflineSaved)

	// The duplicate re-acks the recorded disposition, and queues nothing
	// new: when bob finally registers he gets exactly one copy.
	alice.send(chat)
	alice.waitForAck("m1", transport.StatusAccepted)
	alice.waitForAck("m1", transport.StatusOfflineSaved)

	bob := dialWire(t, srv.Addr(), "bob", "Bob")
	bob.waitFor(isChat("m1"))
	bob.expectQuiet(300*time.Millisecond, isChat("m1"))
}

func TestRouterDeliveryReceiptFlow(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")

	alice.send(testChat("alice", "bob", "m1"))
	alice.waitForAck("m1", transport.StatusOfflineSaved)

	bob := dialWire(t, srv.Addr(), "bob", "Bob")
	bob.waitFor(isChat("m1"))
	bob.send(&transport.DeliveryReceipt{
		MessageID: "m1",
		FromID:    "alice",
		ToID:      "bob",
		Status:    transport.StatusDeliveredToClient,
		Timestamp: time.Now().UnixMilli(),
	})

	alice.waitForAck("m1", transport.StatusDeliveredToClient)

	// The queue entry is compacted away: bob reconnecting sees nothing.
	bob.conn.Close()
	bob2 := dialWire(t, srv.Addr(), "bob", "Bob")
	bob2.expectQuiet(300*time.Millisecond, isChat("m1"))
}

func TestRouterReceiptFromWrongIdentityIgnored(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")
	mallory := dialWire(t, srv.Addr(), "mallory", "Mallory")

	alice.send(testChat("alice", "bob", "m1"))
	alice.waitForAck("m1", transport.StatusOfflineSaved)

	// Mallory claims to be bob confirming delivery; the router checks the
	// session identity and drops it.
	mallory.send(&transport.DeliveryReceipt{
		MessageID: "m1",
		FromID:    "alice",
		ToID:      "bob",
		Status:    transport.StatusDeliveredToClient,
	})

	alice.expectQuiet(300*time.Millisecond, func(pkt transport.Packet) bool {
		ack, ok := pkt.(*transport.ChatAck)
		return ok && ack.Status == transport.StatusDeliveredToClient
	})

	// Bob still gets his queued copy.
	bob := dialWire(t, srv.Addr(), "bob", "Bob")
	bob.waitFor(isChat("m1"))
}

func TestRouterPublicKeyLookup(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")
	dialWire(t, srv.Addr(), "bob", "Bob")

	alice.send(&transport.GetPublicKey{ClientID: "bob", FromID: "alice"})
	pkt := alice.waitFor(func(pkt transport.Packet) bool {
		_, ok := pkt.(*transport.PublicKey)
		return ok
	})
	resp := pkt.(*transport.PublicKey)
	assert.Equal(t, "bob", resp.ClientID)
	assert.Equal(t, "PEM-bob", resp.PublicKey)

	// Unknown identities answer immediately with an empty key.
	alice.send(&transport.GetPublicKey{ClientID: "ghost", FromID: "alice"})
	pkt = alice.waitFor(func(pkt transport.Packet) bool {
		pk, ok := pkt.(*transport.PublicKey)
		return ok && pk.ClientID == "ghost"
	})
	assert.Empty(t, pkt.(*transport.PublicKey).PublicKey)
}

func TestRouterRoomChatMissingKeyRejected(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")
	bob := dialWire(t, srv.Addr(), "bob", "Bob")
	carol := dialWire(t, srv.Addr(), "carol", "Carol")

	alice.send(&transport.CreateRoom{
		RoomID: "r1", RoomName: "ops", CreatorID: "alice",
		MemberIDs: []string{"alice", "bob", "carol"},
	})
	bob.waitFor(func(pkt transport.Packet) bool { _, ok := pkt.(*transport.RoomInfo); return ok })

	// A wrapped key for bob but not carol: rejected before any fan-out.
	alice.send(&transport.RoomChat{
		RoomID: "r1", FromID: "alice", MessageID: "rm1",
		EncMsg: "CT", EncKeys: map[string]string{"bob": "WK"},
	})
	bob.expectQuiet(300*time.Millisecond, func(pkt transport.Packet) bool {
		_, ok := pkt.(*transport.RoomChat)
		return ok
	})

	// Stale keys for departed members are tolerated: carol leaves, then
	// the same key map (bob only, plus a stale extra) goes through.
	carol.send(&transport.LeaveRoom{RoomID: "r1", ClientID: "carol"})
	carol.waitFor(func(pkt transport.Packet) bool {
		_, ok := pkt.(*transport.RoomInfoRemoved)
		return ok
	})

	alice.send(&transport.RoomChat{
		RoomID: "r1", FromID: "alice", MessageID: "rm2",
		EncMsg: "CT", EncKeys: map[string]string{"bob": "WK", "dave": "STALE"},
	})
	got := bob.waitFor(func(pkt transport.Packet) bool {
		rc, ok := pkt.(*transport.RoomChat)
		return ok && rc.MessageID == "rm2"
	})
	assert.Equal(t, "alice", got.(*transport.RoomChat).FromID)

	// Carol, no longer a member, receives nothing.
	carol.expectQuiet(300*time.Millisecond, func(pkt transport.Packet) bool {
		_, ok := pkt.(*transport.RoomChat)
		return ok
	})
}

func TestRouterTypingAndRecallBestEffort(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")
	bob := dialWire(t, srv.Addr(), "bob", "Bob")

	alice.send(&transport.Typing{FromID: "alice", ToID: "bob", FromUser: "Alice", IsTyping: true})
	pkt := bob.waitFor(func(pkt transport.Packet) bool { _, ok := pkt.(*transport.Typing); return ok })
	assert.True(t, pkt.(*transport.Typing).IsTyping)

	alice.send(&transport.Recall{FromID: "alice", ToID: "bob", MessageID: "m1"})
	bob.waitFor(func(pkt transport.Packet) bool { _, ok := pkt.(*transport.Recall); return ok })

	// Fire-and-forget to an offline peer vanishes without error.
	alice.send(&transport.Typing{FromID: "alice", ToID: "ghost", FromUser: "Alice", IsTyping: true})
	alice.send(testChat("alice", "bob", "still-works"))
	alice.waitForAck("still-works", transport.StatusAccepted)
}

func TestServerLogoutRemovesPresence(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")
	bob := dialWire(t, srv.Addr(), "bob", "Bob")

	// Drain the initial presence broadcasts, then log bob out.
	bob.send(&transport.Logout{ClientID: "bob"})

	alice.waitFor(func(pkt transport.Packet) bool {
		list, ok := pkt.(*transport.UserList)
		if !ok {
			return false
		}
		for _, u := range list.Users {
			if u.ClientID == "bob" {
				return !u.Online
			}
		}
		return false
	})
}

func TestOfflineReplayPrecedesPresence(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")

	for i := 0; i < 3; i++ {
		chat := testChat("alice", "bob", "m"+string(rune('0'+i)))
		alice.send(chat)
		alice.waitForAck(chat.MessageID, transport.StatusOfflineSaved)
	}

	// The queue drains before the registering client is announced: on
	// bob's own stream every replayed chat precedes the first presence
	// broadcast.
	bob := dialWire(t, srv.Addr(), "bob", "Bob")
	var seq []transport.PacketType
	deadline := time.After(3 * time.Second)
	for {
		var done bool
		select {
		case pkt, ok := <-bob.packets:
			require.True(t, ok, "connection closed during replay")
			seq = append(seq, pkt.PacketType())
			done = pkt.PacketType() == transport.PacketUserList
		case <-deadline:
			t.Fatal("no presence broadcast observed")
		}
		if done {
			break
		}
	}
	require.Len(t, seq, 4, "expected three replayed chats then the user list, got %v", seq)
	for _, pt := range seq[:3] {
		assert.Equal(t, transport.PacketChat, pt)
	}
}

func TestServerMalformedPacketKeepsConnection(t *testing.T) {
	srv := startTestServer(t)
	alice := dialWire(t, srv.Addr(), "alice", "Alice")

	// Valid frame, garbage payload: dropped, connection survives.
	require.NoError(t, alice.writer.WriteFrame([]byte(`{"type":"chat",`)))
	// Unknown type: skipped for forward compatibility.
	require.NoError(t, alice.writer.WriteFrame([]byte(`{"type":"quantum_hello"}`)))

	alice.send(testChat("alice", "bob", "m1"))
	alice.waitForAck("m1", transport.StatusAccepted)
}

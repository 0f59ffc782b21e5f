package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfab/relayfab/transport"
)

func newTestSession(t *testing.T, clientID, username string) (*session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	sess := &session{
		clientID: clientID,
		username: username,
		conn:     server,
		writer:   transport.NewFrameWriter(server),
	}
	sess.markReady()
	return sess, client
}

func TestRegistryHidesSessionsUntilReady(t *testing.T) {
	reg := NewRegistry()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	sess := &session{
		clientID: "alice",
		username: "Alice",
		conn:     server,
		writer:   transport.NewFrameWriter(server),
	}

	reg.Register(sess)

	// Until the offline replay finishes, routing must treat the identity
	// as offline so new envelopes keep going to the queue.
	_, ok := reg.Get("alice")
	assert.False(t, ok)
	_, ok = reg.PublicKeyOf("alice")
	assert.True(t, ok, "key lookups work during replay")

	sess.markReady()
	got, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	sess, _ := newTestSession(t, "alice", "Alice")

	evicted := reg.Register(sess)
	assert.Nil(t, evicted)

	got, ok := reg.Get("alice")
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, ok = reg.Get("bob")
	assert.False(t, ok)
}

func TestRegistryEvictsDuplicateIdentity(t *testing.T) {
	reg := NewRegistry()
	first, _ := newTestSession(t, "x", "X")
	second, _ := newTestSession(t, "x", "X")

	reg.Register(first)
	evicted := reg.Register(second)
	require.Same(t, first, evicted)

	// The registry now points at the new connection.
	got, ok := reg.Get("x")
	require.True(t, ok)
	assert.Same(t, second, got)

	// The evicted connection is closed.
	_, err := first.conn.Write([]byte("x"))
	assert.Error(t, err)

	// Presence lists the identity exactly once, online.
	users := reg.Snapshot()
	require.Len(t, users, 1)
	assert.Equal(t, "x", users[0].ClientID)
	assert.True(t, users[0].Online)
}

func TestRegistryRemoveGuardsAgainstStaleConn(t *testing.T) {
	reg := NewRegistry()
	first, _ := newTestSession(t, "x", "X")
	second, _ := newTestSession(t, "x", "X")

	reg.Register(first)
	reg.Register(second)

	// The evicted reader's cleanup must not remove the replacement.
	assert.False(t, reg.Remove("x", first.conn))
	_, ok := reg.Get("x")
	assert.True(t, ok)

	assert.True(t, reg.Remove("x", second.conn))
	_, ok = reg.Get("x")
	assert.False(t, ok)
}

func TestRegistrySnapshotKeepsOfflineIdentities(t *testing.T) {
	reg := NewRegistry()
	alice, _ := newTestSession(t, "alice", "Alice")
	bob, _ := newTestSession(t, "bob", "Bob")

	reg.Register(alice)
	reg.Register(bob)
	require.True(t, reg.Remove("bob", bob.conn))

	users := reg.Snapshot()
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].ClientID)
	assert.True(t, users[0].Online)
	assert.Equal(t, "bob", users[1].ClientID)
	assert.False(t, users[1].Online, "bob is remembered but offline")
}

func TestRegistryPublicKeyLifetime(t *testing.T) {
	reg := NewRegistry()
	sess, _ := newTestSession(t, "alice", "Alice")
	sess.publicKey = "PEM"

	reg.Register(sess)
	key, ok := reg.PublicKeyOf("alice")
	require.True(t, ok)
	assert.Equal(t, "PEM", key)

	reg.Remove("alice", sess.conn)
	_, ok = reg.PublicKeyOf("alice")
	assert.False(t, ok, "keys live exactly as long as the connection")
}

package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomTableCreateAndMembers(t *testing.T) {
	rooms := NewRoomTable()
	require.NoError(t, rooms.Create("r1", "ops", []string{"alice", "bob", "carol"}))

	members, err := rooms.Members("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)

	assert.ErrorIs(t, rooms.Create("r1", "again", nil), ErrRoomExists)

	_, err = rooms.Members("nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomTableLeave(t *testing.T) {
	rooms := NewRoomTable()
	require.NoError(t, rooms.Create("r1", "ops", []string{"alice", "bob"}))

	require.NoError(t, rooms.Leave("r1", "alice"))
	assert.False(t, rooms.IsMember("r1", "alice"))
	assert.True(t, rooms.IsMember("r1", "bob"))

	// Last member out drops the room.
	require.NoError(t, rooms.Leave("r1", "bob"))
	_, err := rooms.Members("r1")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	assert.ErrorIs(t, rooms.Leave("r1", "bob"), ErrRoomNotFound)
}

func TestRoomTableInfosFor(t *testing.T) {
	rooms := NewRoomTable()
	require.NoError(t, rooms.Create("r2", "dev", []string{"alice", "bob"}))
	require.NoError(t, rooms.Create("r1", "ops", []string{"alice"}))
	require.NoError(t, rooms.Create("r3", "random", []string{"carol"}))

	infos := rooms.InfosFor("alice")
	require.Len(t, infos, 2)
	assert.Equal(t, "r1", infos[0].RoomID)
	assert.Equal(t, "r2", infos[1].RoomID)
	assert.Equal(t, "dev", infos[1].RoomName)

	assert.Empty(t, rooms.InfosFor("dave"))
}

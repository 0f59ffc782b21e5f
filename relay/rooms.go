package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/relayfab/relayfab/transport"
)

var (
	// ErrRoomExists indicates a CreateRoom for an already-registered roomId.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound indicates an operation on an unknown roomId.
	ErrRoomNotFound = errors.New("room not found")
)

// room is server-side room state. The member set is fixed at creation;
// the only mutation is members leaving.
type room struct {
	id      string
	name    string
	members map[string]struct{}
}

// RoomTable is the registry of active rooms.
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRoomTable creates an empty room registry.
func NewRoomTable() *RoomTable {
	return &RoomTable{rooms: make(map[string]*room)}
}

// Create registers a room with its full, final member list.
func (t *RoomTable) Create(roomID, name string, memberIDs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rooms[roomID]; ok {
		return ErrRoomExists
	}
	members := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}
	t.rooms[roomID] = &room{id: roomID, name: name, members: members}
	return nil
}

// Members returns the current member list of a room, sorted.
func (t *RoomTable) Members(roomID string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.memberList(), nil
}

func (r *room) memberList() []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether clientID currently belongs to the room.
func (t *RoomTable) IsMember(roomID, clientID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	_, member := r.members[clientID]
	return member
}

// Leave removes clientID from the room. The room itself is dropped once
// its last member leaves.
func (t *RoomTable) Leave(roomID, clientID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	delete(r.members, clientID)
	if len(r.members) == 0 {
		delete(t.rooms, roomID)
	}
	return nil
}

// InfosFor returns a RoomInfo for every room clientID belongs to. Room
// metadata is re-derivable state: members who were offline at creation
// receive it through this path on their next registration.
func (t *RoomTable) InfosFor(clientID string) []*transport.RoomInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var infos []*transport.RoomInfo
	for _, r := range t.rooms {
		if _, member := r.members[clientID]; member {
			infos = append(infos, &transport.RoomInfo{
				RoomID:    r.id,
				RoomName:  r.name,
				MemberIDs: r.memberList(),
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RoomID < infos[j].RoomID })
	return infos
}

package relay

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayfab/relayfab/transport"
)

// dedupKey identifies one transmission attempt stream. Keys always pair
// the sender with the message so identical messageIds from different
// senders never collide.
func dedupKey(fromID, scopeID, messageID string) string {
	return fromID + "\x00" + scopeID + "\x00" + messageID
}

// roomDedupTTL bounds how long a room dedup entry survives without every
// recipient confirming. It exceeds the sender's default timeout ceiling,
// so every resend the sender will ever make is still collapsed; after
// that the offline queue is the system of record and the entry is dead
// weight.
const roomDedupTTL = 10 * time.Minute

// roomDelivery tracks which members still owe a delivered_to_client
// receipt for one room message; the dedup entry is dropped when the set
// empties, or swept after roomDedupTTL when a member never reconnects.
type roomDelivery struct {
	status    transport.Status
	remaining map[string]struct{}
	created   time.Time
}

// Router dispatches decoded packets by concrete type. It owns the dedup
// state for at-least-once collapsing; registry, offline store, and room
// table are shared with the server's connection loops.
type Router struct {
	registry *Registry
	offline  *OfflineStore
	rooms    *RoomTable
	log      *logrus.Logger

	mu        sync.Mutex
	seenChats map[string]transport.Status
	seenRooms map[string]*roomDelivery
	dedupTTL  time.Duration
}

// NewRouter wires a router over its shared collaborators.
func NewRouter(registry *Registry, offline *OfflineStore, rooms *RoomTable, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		registry:  registry,
		offline:   offline,
		rooms:     rooms,
		log:       log,
		seenChats: make(map[string]transport.Status),
		seenRooms: make(map[string]*roomDelivery),
		dedupTTL:  roomDedupTTL,
	}
}

// deliverEnvelope hands one encoded envelope to its recipient: a live
// forward when the session is ready, otherwise a durable queue append.
// It holds the recipient's queue lock for the whole decision, so it
// cannot interleave with an in-progress offline replay: either the
// envelope lands in the queue before the replay reads it, or it is
// forwarded live strictly after the replay finished.
func (rt *Router) deliverEnvelope(toID string, payload []byte) (transport.Status, error) {
	l := rt.offline.lockFor(toID)
	l.Lock()
	defer l.Unlock()

	if rcpt, online := rt.registry.Get(toID); online {
		if err := rcpt.sendRaw(payload); err == nil {
			return transport.StatusDelivered, nil
		}
		// Recipient vanished mid-forward; fall back to the queue.
	}
	if err := rt.offline.appendLocked(toID, payload); err != nil {
		return "", err
	}
	return transport.StatusOfflineSaved, nil
}

// HandlePacket routes one packet from a registered session. Unknown types
// never reach here; the read loop skips them.
func (rt *Router) HandlePacket(sess *session, pkt transport.Packet) {
	switch p := pkt.(type) {
	case *transport.Chat:
		rt.handleChat(sess, p)
	case *transport.DeliveryReceipt:
		rt.handleDeliveryReceipt(sess, p)
	case *transport.SeenReceipt:
		rt.handleSeenReceipt(sess, p)
	case *transport.GetPublicKey:
		rt.handleGetPublicKey(sess, p)
	case *transport.CreateRoom:
		rt.handleCreateRoom(sess, p)
	case *transport.RoomChat:
		rt.handleRoomChat(sess, p)
	case *transport.RoomDeliveryReceipt:
		rt.handleRoomDeliveryReceipt(sess, p)
	case *transport.LeaveRoom:
		rt.handleLeaveRoom(sess, p)
	case *transport.Typing:
		rt.relayBestEffort(p.ToID, p)
	case *transport.Recall:
		rt.relayBestEffort(p.ToID, p)
	case *transport.Logout:
		// Handled by the connection loop; nothing to route.
	default:
		rt.log.WithField("packet_type", pkt.PacketType()).Debug("unrouted packet type")
	}
}

// handleChat runs the direct-chat pipeline: dedup, accepted ack, forward
// or queue, disposition ack. Retransmissions always re-ack with the
// original disposition so a lost ack can never stall the sender, but they
// are never forwarded or queued a second time.
func (rt *Router) handleChat(sess *session, chat *transport.Chat) {
	key := dedupKey(chat.FromID, chat.ToID, chat.MessageID)

	rt.mu.Lock()
	status, dup := rt.seenChats[key]
	if !dup {
		rt.seenChats[key] = "" // claim first sight before releasing the lock
	}
	rt.mu.Unlock()

	rt.ackChat(sess, chat, transport.StatusAccepted)

	if dup {
		if status != "" {
			rt.ackChat(sess, chat, status)
		}
		rt.log.WithFields(logrus.Fields{
			"message_id": chat.MessageID,
			"from_id":    chat.FromID,
		}).Debug("duplicate chat collapsed")
		return
	}

	payload, err := transport.EncodePacket(chat)
	if err != nil {
		rt.log.WithError(err).Warn("re-encode chat envelope")
		rt.releaseChatClaim(key)
		return
	}

	disposition, err := rt.deliverEnvelope(chat.ToID, payload)
	if err != nil {
		// Neither forwarded nor durably queued. Release the dedup claim
		// so the sender's next resend retries the whole pipeline.
		rt.log.WithError(err).WithField("to_id", chat.ToID).Error("offline append failed")
		rt.releaseChatClaim(key)
		return
	}

	rt.mu.Lock()
	rt.seenChats[key] = disposition
	rt.mu.Unlock()

	rt.ackChat(sess, chat, disposition)
	rt.log.WithFields(logrus.Fields{
		"message_id": chat.MessageID,
		"from_id":    chat.FromID,
		"to_id":      chat.ToID,
		"status":     disposition,
	}).Info("chat routed")
}

// releaseChatClaim undoes a first-sight dedup claim that never reached a
// disposition, re-arming the pipeline for the next retransmission.
func (rt *Router) releaseChatClaim(key string) {
	rt.mu.Lock()
	if rt.seenChats[key] == "" {
		delete(rt.seenChats, key)
	}
	rt.mu.Unlock()
}

func (rt *Router) ackChat(sess *session, chat *transport.Chat, status transport.Status) {
	if err := sess.send(&transport.ChatAck{
		MessageID: chat.MessageID,
		FromID:    chat.FromID,
		ToID:      chat.ToID,
		Status:    status,
	}); err != nil {
		rt.log.WithError(err).Debug("chat ack write failed")
	}
}

// handleDeliveryReceipt processes a delivered_to_client confirmation from
// the true receiver: the queued copy is compacted away, the sender-side
// dedup entry is released, and the sender learns the terminal status.
func (rt *Router) handleDeliveryReceipt(sess *session, rcpt *transport.DeliveryReceipt) {
	if sess.clientID != rcpt.ToID {
		rt.log.WithFields(logrus.Fields{
			"claimed_id": rcpt.ToID,
			"actual_id":  sess.clientID,
		}).Warn("delivery receipt from wrong identity dropped")
		return
	}

	if err := rt.offline.Ack(rcpt.ToID, rcpt.FromID, rcpt.MessageID); err != nil {
		rt.log.WithError(err).Warn("offline queue ack failed")
	}

	rt.mu.Lock()
	delete(rt.seenChats, dedupKey(rcpt.FromID, rcpt.ToID, rcpt.MessageID))
	rt.mu.Unlock()

	if sender, online := rt.registry.Get(rcpt.FromID); online {
		if err := sender.send(&transport.ChatAck{
			MessageID: rcpt.MessageID,
			FromID:    rcpt.FromID,
			ToID:      rcpt.ToID,
			Status:    transport.StatusDeliveredToClient,
		}); err != nil {
			rt.log.WithError(err).Debug("delivered_to_client ack write failed")
		}
	}
}

// handleSeenReceipt relays a viewer's seen confirmation verbatim to the
// original sender. Queues are untouched; seen follows delivered_to_client.
func (rt *Router) handleSeenReceipt(sess *session, rcpt *transport.SeenReceipt) {
	if sess.clientID != rcpt.ToID {
		return
	}
	if sender, online := rt.registry.Get(rcpt.FromID); online {
		if err := sender.send(rcpt); err != nil {
			rt.log.WithError(err).Debug("seen receipt relay failed")
		}
	}
}

// handleGetPublicKey answers a key lookup. Keys exist only while their
// owner is connected; an empty key in the response means unknown and lets
// the requester fail fast instead of waiting out its timeout.
func (rt *Router) handleGetPublicKey(sess *session, req *transport.GetPublicKey) {
	key, _ := rt.registry.PublicKeyOf(req.ClientID)
	if err := sess.send(&transport.PublicKey{
		ClientID:  req.ClientID,
		PublicKey: key,
	}); err != nil {
		rt.log.WithError(err).Debug("public key response failed")
	}
}

// handleCreateRoom registers the room and pushes RoomInfo to every member
// currently online. Offline members get the same RoomInfo replayed from
// the room table on their next registration.
func (rt *Router) handleCreateRoom(sess *session, req *transport.CreateRoom) {
	if err := rt.rooms.Create(req.RoomID, req.RoomName, req.MemberIDs); err != nil {
		rt.log.WithError(err).WithField("room_id", req.RoomID).Warn("create room rejected")
		return
	}

	info := &transport.RoomInfo{
		RoomID:    req.RoomID,
		RoomName:  req.RoomName,
		MemberIDs: req.MemberIDs,
	}
	for _, memberID := range req.MemberIDs {
		if member, online := rt.registry.Get(memberID); online {
			if err := member.send(info); err != nil {
				rt.log.WithError(err).Debug("room info push failed")
			}
		}
	}

	rt.log.WithFields(logrus.Fields{
		"room_id":    req.RoomID,
		"creator_id": req.CreatorID,
		"members":    len(req.MemberIDs),
	}).Info("room created")
}

// handleRoomChat fans one envelope out to every current member except the
// sender. The wrapped-key map must cover all of them; keys for members who
// have since left are tolerated and ignored. An uncovered member rejects
// the send outright, before any forwarding.
func (rt *Router) handleRoomChat(sess *session, rc *transport.RoomChat) {
	members, err := rt.rooms.Members(rc.RoomID)
	if err != nil {
		rt.log.WithField("room_id", rc.RoomID).Warn("room chat for unknown room dropped")
		return
	}
	if !rt.rooms.IsMember(rc.RoomID, rc.FromID) {
		rt.log.WithFields(logrus.Fields{
			"room_id": rc.RoomID,
			"from_id": rc.FromID,
		}).Warn("room chat from non-member dropped")
		return
	}

	recipients := make([]string, 0, len(members))
	for _, memberID := range members {
		if memberID == rc.FromID {
			continue
		}
		if _, ok := rc.EncKeys[memberID]; !ok {
			rt.log.WithFields(logrus.Fields{
				"room_id":   rc.RoomID,
				"member_id": memberID,
			}).Warn("room chat missing wrapped key, send rejected")
			return
		}
		recipients = append(recipients, memberID)
	}

	key := dedupKey(rc.FromID, rc.RoomID, rc.MessageID)
	rt.mu.Lock()
	rt.sweepRoomDedupLocked(time.Now())
	entry, dup := rt.seenRooms[key]
	if !dup {
		remaining := make(map[string]struct{}, len(recipients))
		for _, id := range recipients {
			remaining[id] = struct{}{}
		}
		entry = &roomDelivery{remaining: remaining, created: time.Now()}
		rt.seenRooms[key] = entry
	}
	status := entry.status
	rt.mu.Unlock()

	rt.ackRoom(sess, rc, transport.StatusAccepted)
	if dup {
		if status != "" {
			rt.ackRoom(sess, rc, status)
		}
		return
	}

	payload, err := transport.EncodePacket(rc)
	if err != nil {
		rt.log.WithError(err).Warn("re-encode room envelope")
		rt.releaseRoomClaim(key)
		return
	}

	liveForwards := 0
	failed := 0
	for _, memberID := range recipients {
		st, err := rt.deliverEnvelope(memberID, payload)
		if err != nil {
			rt.log.WithError(err).WithField("member_id", memberID).Error("room offline append failed")
			failed++
			continue
		}
		if st == transport.StatusDelivered {
			liveForwards++
		}
	}
	if failed > 0 {
		// One or more members got neither a live copy nor a queue entry.
		// Withhold the disposition ack and release the dedup entry so the
		// sender's resend re-runs the fan-out; members who already have
		// the message collapse the duplicate on their side.
		rt.releaseRoomClaim(key)
		return
	}

	disposition := transport.StatusOfflineSaved
	if liveForwards > 0 {
		disposition = transport.StatusDelivered
	}

	rt.mu.Lock()
	entry.status = disposition
	rt.mu.Unlock()

	rt.ackRoom(sess, rc, disposition)
	rt.log.WithFields(logrus.Fields{
		"room_id":    rc.RoomID,
		"message_id": rc.MessageID,
		"live":       liveForwards,
		"queued":     len(recipients) - liveForwards,
	}).Info("room chat fanned out")
}

// releaseRoomClaim drops a room dedup entry that never reached a
// disposition, so the next retransmission retries the fan-out.
func (rt *Router) releaseRoomClaim(key string) {
	rt.mu.Lock()
	if entry, ok := rt.seenRooms[key]; ok && entry.status == "" {
		delete(rt.seenRooms, key)
	}
	rt.mu.Unlock()
}

// sweepRoomDedupLocked expires dedup entries whose recipients never all
// confirmed. Callers hold rt.mu.
func (rt *Router) sweepRoomDedupLocked(now time.Time) {
	for key, entry := range rt.seenRooms {
		if now.Sub(entry.created) > rt.dedupTTL {
			delete(rt.seenRooms, key)
		}
	}
}

func (rt *Router) ackRoom(sess *session, rc *transport.RoomChat, status transport.Status) {
	if err := sess.send(&transport.RoomAck{
		RoomID:    rc.RoomID,
		MessageID: rc.MessageID,
		FromID:    rc.FromID,
		Status:    status,
	}); err != nil {
		rt.log.WithError(err).Debug("room ack write failed")
	}
}

// handleRoomDeliveryReceipt clears one member's queued copy and relays the
// receipt to the original sender. The dedup entry dies once every
// recipient has confirmed.
func (rt *Router) handleRoomDeliveryReceipt(sess *session, rcpt *transport.RoomDeliveryReceipt) {
	if sess.clientID != rcpt.ToID {
		return
	}

	if err := rt.offline.Ack(rcpt.ToID, rcpt.FromID, rcpt.MessageID); err != nil {
		rt.log.WithError(err).Warn("room offline queue ack failed")
	}

	key := dedupKey(rcpt.FromID, rcpt.RoomID, rcpt.MessageID)
	rt.mu.Lock()
	if entry, ok := rt.seenRooms[key]; ok {
		delete(entry.remaining, rcpt.ToID)
		if len(entry.remaining) == 0 {
			delete(rt.seenRooms, key)
		}
	}
	rt.mu.Unlock()

	if sender, online := rt.registry.Get(rcpt.FromID); online {
		if err := sender.send(rcpt); err != nil {
			rt.log.WithError(err).Debug("room delivery receipt relay failed")
		}
	}
}

// handleLeaveRoom drops the member and retracts the room from that
// member's view only; remaining members are not told.
func (rt *Router) handleLeaveRoom(sess *session, req *transport.LeaveRoom) {
	if sess.clientID != req.ClientID {
		return
	}
	if err := rt.rooms.Leave(req.RoomID, req.ClientID); err != nil {
		return
	}
	if err := sess.send(&transport.RoomInfoRemoved{RoomID: req.RoomID}); err != nil {
		rt.log.WithError(err).Debug("room removal notice failed")
	}
	rt.log.WithFields(logrus.Fields{
		"room_id":   req.RoomID,
		"client_id": req.ClientID,
	}).Info("member left room")
}

// relayBestEffort forwards fire-and-forget packets (typing, recall) to a
// live recipient and silently drops them otherwise.
func (rt *Router) relayBestEffort(toID string, pkt transport.Packet) {
	if rcpt, online := rt.registry.Get(toID); online {
		_ = rcpt.send(pkt)
	}
}

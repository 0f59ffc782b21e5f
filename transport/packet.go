package transport

import (
	"encoding/json"
	"fmt"
)

// PacketType is the wire discriminant carried in every packet's "type" field.
type PacketType string

const (
	PacketRegister            PacketType = "register"
	PacketChat                PacketType = "chat"
	PacketChatAck             PacketType = "chat_ack"
	PacketDeliveryReceipt     PacketType = "delivery_receipt"
	PacketSeenReceipt         PacketType = "seen_receipt"
	PacketGetPublicKey        PacketType = "get_public_key"
	PacketPublicKey           PacketType = "public_key"
	PacketUserList            PacketType = "user_list"
	PacketCreateRoom          PacketType = "create_room"
	PacketRoomInfo            PacketType = "room_info"
	PacketRoomInfoRemoved     PacketType = "room_info_removed"
	PacketRoomChat            PacketType = "room_chat"
	PacketRoomAck             PacketType = "room_ack"
	PacketRoomDeliveryReceipt PacketType = "room_delivery_receipt"
	PacketLeaveRoom           PacketType = "leave_room"
	PacketLogout              PacketType = "logout"
	PacketTyping              PacketType = "typing"
	PacketRecall              PacketType = "recall"
)

// Status is a delivery-pipeline progress value carried by acks and receipts.
type Status string

const (
	// StatusAccepted means the server took responsibility for the message.
	StatusAccepted Status = "accepted"
	// StatusDelivered means the server forwarded it to a live recipient.
	StatusDelivered Status = "delivered"
	// StatusOfflineSaved means the server queued it for an offline recipient.
	StatusOfflineSaved Status = "offline_saved"
	// StatusDeliveredToClient means the recipient's client processed it.
	StatusDeliveredToClient Status = "delivered_to_client"
	// StatusSeen means the recipient viewed the message.
	StatusSeen Status = "seen"
	// StatusTimeout means the sender gave up waiting for a terminal receipt.
	StatusTimeout Status = "timeout"
)

// Terminal reports whether s ends the delivery pipeline for a message.
func (s Status) Terminal() bool {
	return s == StatusDeliveredToClient || s == StatusSeen || s == StatusTimeout
}

// Packet is one decoded wire packet. The set of implementations is closed;
// routing switches on the concrete type.
type Packet interface {
	PacketType() PacketType
	setType()
}

// Register announces an identity on a fresh connection. Re-registering an
// already-online clientId evicts the previous connection.
type Register struct {
	Type      PacketType `json:"type"`
	ClientID  string     `json:"clientId"`
	Username  string     `json:"username"`
	PublicKey string     `json:"publicKey"`
}

// Chat is one encrypted 1:1 message envelope.
type Chat struct {
	Type      PacketType `json:"type"`
	MessageID string     `json:"messageId"`
	Timestamp int64      `json:"timestamp"`
	FromID    string     `json:"fromId"`
	ToID      string     `json:"toId"`
	FromUser  string     `json:"fromUser"`
	ToUser    string     `json:"toUser"`
	EncKey    string     `json:"encKey"`
	EncMsg    string     `json:"encMsg"`
	Sig       string     `json:"sig"`
}

// ChatAck is a server-issued progress signal for an outgoing Chat.
type ChatAck struct {
	Type      PacketType `json:"type"`
	MessageID string     `json:"messageId"`
	FromID    string     `json:"fromId"`
	ToID      string     `json:"toId"`
	Status    Status     `json:"status"`
}

// DeliveryReceipt is a receiver-issued confirmation that a message reached
// the recipient's application layer.
type DeliveryReceipt struct {
	Type      PacketType `json:"type"`
	MessageID string     `json:"messageId"`
	FromID    string     `json:"fromId"`
	ToID      string     `json:"toId"`
	Status    Status     `json:"status"`
	Timestamp int64      `json:"timestamp"`
}

// SeenReceipt tells the original sender the recipient viewed the message.
type SeenReceipt struct {
	Type      PacketType `json:"type"`
	MessageID string     `json:"messageId"`
	FromID    string     `json:"fromId"`
	ToID      string     `json:"toId"`
	Timestamp int64      `json:"timestamp"`
}

// GetPublicKey asks the server for another identity's public key.
type GetPublicKey struct {
	Type     PacketType `json:"type"`
	ClientID string     `json:"clientId"`
	FromID   string     `json:"fromId"`
}

// PublicKey answers a GetPublicKey lookup. PublicKey is empty when the
// identity is unknown to the server.
type PublicKey struct {
	Type      PacketType `json:"type"`
	ClientID  string     `json:"clientId"`
	PublicKey string     `json:"publicKey"`
}

// UserEntry is one row of a presence broadcast.
type UserEntry struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// UserList is the full presence list, broadcast on every change.
type UserList struct {
	Type  PacketType  `json:"type"`
	Users []UserEntry `json:"users"`
}

// CreateRoom registers a room with a fixed member list.
type CreateRoom struct {
	Type      PacketType `json:"type"`
	RoomID    string     `json:"roomId"`
	RoomName  string     `json:"roomName"`
	CreatorID string     `json:"creatorId"`
	MemberIDs []string   `json:"memberIds"`
}

// RoomInfo pushes a room's metadata to a member.
type RoomInfo struct {
	Type      PacketType `json:"type"`
	RoomID    string     `json:"roomId"`
	RoomName  string     `json:"roomName"`
	MemberIDs []string   `json:"memberIds"`
}

// RoomInfoRemoved retracts a room from the receiving member's view.
type RoomInfoRemoved struct {
	Type   PacketType `json:"type"`
	RoomID string     `json:"roomId"`
}

// RoomChat is one encrypted room message with a per-member wrapped key map.
type RoomChat struct {
	Type      PacketType        `json:"type"`
	RoomID    string            `json:"roomId"`
	FromID    string            `json:"fromId"`
	FromUser  string            `json:"fromUser"`
	EncMsg    string            `json:"encMsg"`
	EncKeys   map[string]string `json:"encKeys"`
	Sig       string            `json:"sig"`
	MessageID string            `json:"messageId"`
	Timestamp int64             `json:"timestamp"`
}

// RoomAck is a server-issued progress signal for an outgoing RoomChat.
type RoomAck struct {
	Type      PacketType `json:"type"`
	RoomID    string     `json:"roomId"`
	MessageID string     `json:"messageId"`
	FromID    string     `json:"fromId"`
	Status    Status     `json:"status"`
}

// RoomDeliveryReceipt confirms one member's client processed a room message.
type RoomDeliveryReceipt struct {
	Type      PacketType `json:"type"`
	RoomID    string     `json:"roomId"`
	MessageID string     `json:"messageId"`
	FromID    string     `json:"fromId"`
	ToID      string     `json:"toId"`
	Status    Status     `json:"status"`
	Timestamp int64      `json:"timestamp"`
}

// LeaveRoom removes the sender from a room's membership.
type LeaveRoom struct {
	Type     PacketType `json:"type"`
	RoomID   string     `json:"roomId"`
	ClientID string     `json:"clientId"`
}

// Logout is an explicit, orderly deregistration.
type Logout struct {
	Type     PacketType `json:"type"`
	ClientID string     `json:"clientId"`
}

// Typing is a best-effort, fire-and-forget typing indicator relay.
type Typing struct {
	Type     PacketType `json:"type"`
	FromID   string     `json:"fromId"`
	ToID     string     `json:"toId"`
	FromUser string     `json:"fromUser"`
	IsTyping bool       `json:"isTyping"`
}

// Recall asks the peer to retract a previously delivered message.
// Best-effort; no persistence or acknowledgement.
type Recall struct {
	Type      PacketType `json:"type"`
	FromID    string     `json:"fromId"`
	ToID      string     `json:"toId"`
	MessageID string     `json:"messageId"`
}

func (p *Register) PacketType() PacketType            { return PacketRegister }
func (p *Chat) PacketType() PacketType                { return PacketChat }
func (p *ChatAck) PacketType() PacketType             { return PacketChatAck }
func (p *DeliveryReceipt) PacketType() PacketType     { return PacketDeliveryReceipt }
func (p *SeenReceipt) PacketType() PacketType         { return PacketSeenReceipt }
func (p *GetPublicKey) PacketType() PacketType        { return PacketGetPublicKey }
func (p *PublicKey) PacketType() PacketType           { return PacketPublicKey }
func (p *UserList) PacketType() PacketType            { return PacketUserList }
func (p *CreateRoom) PacketType() PacketType          { return PacketCreateRoom }
func (p *RoomInfo) PacketType() PacketType            { return PacketRoomInfo }
func (p *RoomInfoRemoved) PacketType() PacketType     { return PacketRoomInfoRemoved }
func (p *RoomChat) PacketType() PacketType            { return PacketRoomChat }
func (p *RoomAck) PacketType() PacketType             { return PacketRoomAck }
func (p *RoomDeliveryReceipt) PacketType() PacketType { return PacketRoomDeliveryReceipt }
func (p *LeaveRoom) PacketType() PacketType           { return PacketLeaveRoom }
func (p *Logout) PacketType() PacketType              { return PacketLogout }
func (p *Typing) PacketType() PacketType              { return PacketTyping }
func (p *Recall) PacketType() PacketType              { return PacketRecall }

func (p *Register) setType()            { p.Type = PacketRegister }
func (p *Chat) setType()                { p.Type = PacketChat }
func (p *ChatAck) setType()             { p.Type = PacketChatAck }
func (p *DeliveryReceipt) setType()     { p.Type = PacketDeliveryReceipt }
func (p *SeenReceipt) setType()         { p.Type = PacketSeenReceipt }
func (p *GetPublicKey) setType()        { p.Type = PacketGetPublicKey }
func (p *PublicKey) setType()           { p.Type = PacketPublicKey }
func (p *UserList) setType()            { p.Type = PacketUserList }
func (p *CreateRoom) setType()          { p.Type = PacketCreateRoom }
func (p *RoomInfo) setType()            { p.Type = PacketRoomInfo }
func (p *RoomInfoRemoved) setType()     { p.Type = PacketRoomInfoRemoved }
func (p *RoomChat) setType()            { p.Type = PacketRoomChat }
func (p *RoomAck) setType()             { p.Type = PacketRoomAck }
func (p *RoomDeliveryReceipt) setType() { p.Type = PacketRoomDeliveryReceipt }
func (p *LeaveRoom) setType()           { p.Type = PacketLeaveRoom }
func (p *Logout) setType()              { p.Type = PacketLogout }
func (p *Typing) setType()              { p.Type = PacketTyping }
func (p *Recall) setType()              { p.Type = PacketRecall }

// DecodePacket decodes one frame payload in two passes: the "type"
// discriminant first, then the concrete schema.
func DecodePacket(payload []byte) (Packet, error) {
	var head struct {
		Type PacketType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	var pkt Packet
	switch head.Type {
	case PacketRegister:
		pkt = &Register{}
	case PacketChat:
		pkt = &Chat{}
	case PacketChatAck:
		pkt = &ChatAck{}
	case PacketDeliveryReceipt:
		pkt = &DeliveryReceipt{}
	case PacketSeenReceipt:
		pkt = &SeenReceipt{}
	case PacketGetPublicKey:
		pkt = &GetPublicKey{}
	case PacketPublicKey:
		pkt = &PublicKey{}
	case PacketUserList:
		pkt = &UserList{}
	case PacketCreateRoom:
		pkt = &CreateRoom{}
	case PacketRoomInfo:
		pkt = &RoomInfo{}
	case PacketRoomInfoRemoved:
		pkt = &RoomInfoRemoved{}
	case PacketRoomChat:
		pkt = &RoomChat{}
	case PacketRoomAck:
		pkt = &RoomAck{}
	case PacketRoomDeliveryReceipt:
		pkt = &RoomDeliveryReceipt{}
	case PacketLeaveRoom:
		pkt = &LeaveRoom{}
	case PacketLogout:
		pkt = &Logout{}
	case PacketTyping:
		pkt = &Typing{}
	case PacketRecall:
		pkt = &Recall{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacketType, head.Type)
	}

	if err := json.Unmarshal(payload, pkt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return pkt, nil
}

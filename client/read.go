package client

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	relaycrypto "github.com/relayfab/relayfab/crypto"
	"github.com/relayfab/relayfab/store"
	"github.com/relayfab/relayfab/transport"
)

// readLoop is the single reader goroutine: it decodes packets and
// dispatches them to handlers. On any read failure it tears the client
// down so the resend timer stops and key waits are canceled.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.keys.cancelAll()
		c.conn.Close()
		c.pending.stop()
	}()

	reader := transport.NewFrameReader(c.conn)
	for {
		pkt, err := reader.ReadPacket()
		if errors.Is(err, transport.ErrUnknownPacketType) || errors.Is(err, transport.ErrMalformedPacket) {
			continue
		}
		if err != nil {
			return
		}
		c.handlePacket(pkt)
	}
}

func (c *Client) handlePacket(pkt transport.Packet) {
	switch p := pkt.(type) {
	case *transport.Chat:
		c.handleChat(p)
	case *transport.RoomChat:
		c.handleRoomChat(p)
	case *transport.ChatAck:
		c.pending.applyStatus(p.MessageID, p.Status)
	case *transport.RoomAck:
		c.pending.applyStatus(p.MessageID, p.Status)
	case *transport.SeenReceipt:
		// seen usually arrives after delivered_to_client removed the
		// pending entry; surface it to the app either way.
		if _, tracked := c.pending.get(p.MessageID); tracked {
			c.pending.applyStatus(p.MessageID, transport.StatusSeen)
		} else {
			c.dispatchStage(p.MessageID, StageSeen)
		}
	case *transport.RoomDeliveryReceipt:
		c.pending.applyStatus(p.MessageID, transport.StatusDeliveredToClient)
	case *transport.PublicKey:
		c.keys.resolve(p.ClientID, p.PublicKey)
	case *transport.UserList:
		c.mu.Lock()
		c.users = p.Users
		c.mu.Unlock()
		if fn := c.getHandlers().onPresence; fn != nil {
			fn(p.Users)
		}
	case *transport.RoomInfo:
		c.mu.Lock()
		c.rooms[p.RoomID] = p
		c.mu.Unlock()
		if fn := c.getHandlers().onRoom; fn != nil {
			fn(p)
		}
	case *transport.RoomInfoRemoved:
		c.mu.Lock()
		delete(c.rooms, p.RoomID)
		c.mu.Unlock()
		if fn := c.getHandlers().onRoomRemoved; fn != nil {
			fn(p.RoomID)
		}
	case *transport.Typing:
		if fn := c.getHandlers().onTyping; fn != nil {
			fn(p.FromID, p.FromUser, p.IsTyping)
		}
	case *transport.Recall:
		c.handleRecall(p)
	}
}

// handleChat runs idempotent ingestion of one 1:1 envelope. Duplicates
// (client resends, queue replays) are confirmed again but delivered to
// the application at most once; the dedup mark is taken here on the read
// loop, before verification hands off, so a second copy arriving while
// the first still waits on a key lookup is already a duplicate.
// Undecryptable envelopes are dropped with no receipt at all.
func (c *Client) handleChat(chat *transport.Chat) {
	if c.alreadyIngested(chat.FromID, chat.FromID, chat.MessageID) {
		c.confirmChat(chat)
		return
	}

	plaintext, err := relaycrypto.Open(chat.EncMsg, chat.EncKey, c.identity.KeyPair.Private)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": chat.MessageID,
			"from_id":    chat.FromID,
		}).Debug("undecryptable envelope dropped")
		return
	}
	c.noteIngested(chat.FromID, chat.MessageID)

	c.verifyAndDeliver(chat.FromID, plaintext, chat.Sig, func(verified bool) {
		c.ingest(chat.FromID, store.Entry{
			Timestamp:       chat.Timestamp,
			Direction:       store.DirectionIn,
			PeerID:          chat.FromID,
			PeerDisplayName: chat.FromUser,
			Plaintext:       string(plaintext),
			MessageID:       chat.MessageID,
			Status:          string(transport.StatusDeliveredToClient),
		})

		if fn := c.getHandlers().onMessage; fn != nil {
			fn(Message{
				MessageID: chat.MessageID,
				FromID:    chat.FromID,
				FromUser:  chat.FromUser,
				Text:      string(plaintext),
				Timestamp: time.UnixMilli(chat.Timestamp),
				Verified:  verified,
			})
		}
		c.confirmChat(chat)
	})
}

// handleRoomChat ingests one room envelope by unwrapping this member's
// key from the per-member map.
func (c *Client) handleRoomChat(rc *transport.RoomChat) {
	if c.alreadyIngested(rc.RoomID, rc.FromID, rc.MessageID) {
		c.confirmRoomChat(rc)
		return
	}

	wrapped, ok := rc.EncKeys[c.identity.ClientID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"room_id":    rc.RoomID,
			"message_id": rc.MessageID,
		}).Debug("room envelope carries no key for this member")
		return
	}
	plaintext, err := relaycrypto.Open(rc.EncMsg, wrapped, c.identity.KeyPair.Private)
	if err != nil {
		logrus.WithField("message_id", rc.MessageID).Debug("undecryptable room envelope dropped")
		return
	}
	c.noteIngested(rc.FromID, rc.MessageID)

	c.verifyAndDeliver(rc.FromID, plaintext, rc.Sig, func(verified bool) {
		c.ingest(rc.RoomID, store.Entry{
			Timestamp:       rc.Timestamp,
			Direction:       store.DirectionIn,
			PeerID:          rc.RoomID,
			PeerDisplayName: rc.FromUser,
			Plaintext:       string(plaintext),
			MessageID:       rc.MessageID,
			Status:          string(transport.StatusDeliveredToClient),
		})

		if fn := c.getHandlers().onMessage; fn != nil {
			fn(Message{
				MessageID: rc.MessageID,
				FromID:    rc.FromID,
				FromUser:  rc.FromUser,
				RoomID:    rc.RoomID,
				Text:      string(plaintext),
				Timestamp: time.UnixMilli(rc.Timestamp),
				Verified:  verified,
			})
		}
		c.confirmRoomChat(rc)
	})
}

// queuedDelivery is one decrypted envelope waiting for its sender's key.
type queuedDelivery struct {
	plaintext []byte
	sig       string
	deliver   func(verified bool)
}

// verifyAndDeliver checks the sender's signature, fetching the public key
// through the lookup protocol when it is not cached. The lookup cannot
// run on the read loop (the PublicKey answer arrives on this same loop),
// so uncached envelopes go onto a per-sender queue drained by a single
// goroutine once the key resolves — arrival order is preserved, which is
// what keeps an offline-queue replay in send order. Verification failure
// never blocks delivery; the message arrives tagged unverified.
func (c *Client) verifyAndDeliver(senderID string, plaintext []byte, sig string, deliver func(verified bool)) {
	c.verifyMu.Lock()
	if !c.verifyBusy[senderID] {
		if key, ok := c.keys.cached(senderID); ok {
			c.verifyMu.Unlock()
			deliver(relaycrypto.Verify(plaintext, sig, key))
			return
		}
		c.verifyBusy[senderID] = true
		defer func() { go c.drainVerifyQueue(senderID) }()
	}
	c.verifyQueues[senderID] = append(c.verifyQueues[senderID], queuedDelivery{plaintext, sig, deliver})
	c.verifyMu.Unlock()
}

// drainVerifyQueue resolves the sender's key once and then delivers every
// queued envelope for that sender in the order it arrived. Only one
// drainer runs per sender; later arrivals append to the same queue and
// are picked up here.
func (c *Client) drainVerifyQueue(senderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeyLookupTimeout)
	key, err := c.keys.lookup(ctx, senderID)
	cancel()

	for {
		c.verifyMu.Lock()
		queue := c.verifyQueues[senderID]
		if len(queue) == 0 {
			delete(c.verifyQueues, senderID)
			delete(c.verifyBusy, senderID)
			c.verifyMu.Unlock()
			return
		}
		d := queue[0]
		c.verifyQueues[senderID] = queue[1:]
		c.verifyMu.Unlock()

		if err != nil {
			d.deliver(false)
			continue
		}
		d.deliver(relaycrypto.Verify(d.plaintext, d.sig, key))
	}
}

// alreadyIngested is the two-level dedup guard: the in-process seen set
// plus the durable history check.
func (c *Client) alreadyIngested(convID, senderID, messageID string) bool {
	key := senderID + "\x00" + messageID
	c.mu.Lock()
	_, ok := c.seen[key]
	c.mu.Unlock()
	if ok {
		return true
	}
	return c.history.HasMessage(convID, messageID)
}

// noteIngested claims a message in the in-process seen set. Called on the
// read loop as soon as the envelope decrypts, ahead of any asynchronous
// verification work.
func (c *Client) noteIngested(senderID, messageID string) {
	c.mu.Lock()
	c.seen[senderID+"\x00"+messageID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) ingest(convID string, e store.Entry) {
	if err := c.history.Append(convID, e); err != nil {
		logrus.WithError(err).Warn("history append failed")
	}
}

// confirmChat sends the delivered_to_client receipt that lets the server
// compact its queue and the sender stop resending. Sent for duplicates
// too: the receipt, not the delivery, completes the at-least-once cycle.
func (c *Client) confirmChat(chat *transport.Chat) {
	if err := c.send(&transport.DeliveryReceipt{
		MessageID: chat.MessageID,
		FromID:    chat.FromID,
		ToID:      c.identity.ClientID,
		Status:    transport.StatusDeliveredToClient,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil && !errors.Is(err, ErrConnectionClosed) {
		logrus.WithError(err).Debug("delivery receipt send failed")
	}
}

func (c *Client) confirmRoomChat(rc *transport.RoomChat) {
	if err := c.send(&transport.RoomDeliveryReceipt{
		RoomID:    rc.RoomID,
		MessageID: rc.MessageID,
		FromID:    rc.FromID,
		ToID:      c.identity.ClientID,
		Status:    transport.StatusDeliveredToClient,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil && !errors.Is(err, ErrConnectionClosed) {
		logrus.WithError(err).Debug("room delivery receipt send failed")
	}
}

// handleRecall surfaces a best-effort retraction and records a sys line
// so the history reflects it durably.
func (c *Client) handleRecall(p *transport.Recall) {
	if err := c.history.Append(p.FromID, store.Entry{
		Timestamp: time.Now().UnixMilli(),
		Direction: store.DirectionSys,
		PeerID:    p.FromID,
		Plaintext: "message recalled",
		MessageID: "",
		Status:    "",
	}); err != nil {
		logrus.WithError(err).Warn("history append failed")
	}
	if fn := c.getHandlers().onRecall; fn != nil {
		fn(p.FromID, p.MessageID)
	}
}

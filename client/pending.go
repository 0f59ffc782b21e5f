package client

import (
	"sync"
	"time"

	"github.com/relayfab/relayfab/transport"
)

// Stage is the client-side view of a message's delivery progress.
type Stage string

const (
	StageNew               Stage = "new"
	StageAccepted          Stage = "accepted"
	StageOfflineSaved      Stage = "offline_saved"
	StageDelivered         Stage = "delivered"
	StageDeliveredToClient Stage = "delivered_to_client"
	StageSeen              Stage = "seen"
	StageTimeout           Stage = "timeout"
)

// stageRank orders stages so a late or duplicated ack can never move a
// message backwards. delivered and offline_saved share a rank; they are
// alternative outcomes of the same hop.
var stageRank = map[Stage]int{
	StageNew:               0,
	StageAccepted:          1,
	StageOfflineSaved:      2,
	StageDelivered:         2,
	StageDeliveredToClient: 3,
	StageSeen:              4,
	StageTimeout:           5,
}

// PendingMessage tracks one outgoing message until a terminal receipt or
// timeout. The stored payload is the exact encoded envelope; resends put
// the identical bytes back on the wire so server-side dedup collapses them.
type PendingMessage struct {
	MessageID   string
	Payload     []byte
	Attempts    int
	FirstSentAt time.Time
	LastSentAt  time.Time
	Stage       Stage
}

// StageCallback observes delivery progress per message.
type StageCallback func(messageID string, stage Stage)

// pendingTracker is the sender-side reliable-delivery state machine.
// Transitions come exclusively from server acks and receiver receipts;
// the tick only drives resends and the timeout ceiling.
type pendingTracker struct {
	retryInterval time.Duration
	ceiling       time.Duration
	maxAttempts   int
	tick          time.Duration

	sendRaw func([]byte)
	onStage StageCallback

	mu   sync.Mutex
	msgs map[string]*PendingMessage

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPendingTracker(retryInterval, ceiling, tick time.Duration, maxAttempts int, sendRaw func([]byte), onStage StageCallback) *pendingTracker {
	return &pendingTracker{
		retryInterval: retryInterval,
		ceiling:       ceiling,
		maxAttempts:   maxAttempts,
		tick:          tick,
		sendRaw:       sendRaw,
		onStage:       onStage,
		msgs:          make(map[string]*PendingMessage),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (pt *pendingTracker) start() {
	go pt.run()
}

func (pt *pendingTracker) stop() {
	pt.stopOnce.Do(func() { close(pt.stopCh) })
	<-pt.done
}

// track registers a freshly sent message. The first transmission counts
// as attempt one.
func (pt *pendingTracker) track(messageID string, payload []byte) {
	now := time.Now()
	pt.mu.Lock()
	pt.msgs[messageID] = &PendingMessage{
		MessageID:   messageID,
		Payload:     payload,
		Attempts:    1,
		FirstSentAt: now,
		LastSentAt:  now,
		Stage:       StageNew,
	}
	pt.mu.Unlock()
}

// get returns a copy of the tracked state for messageID.
func (pt *pendingTracker) get(messageID string) (PendingMessage, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	m, ok := pt.msgs[messageID]
	if !ok {
		return PendingMessage{}, false
	}
	return *m, true
}

// applyStatus folds a server ack or receiver receipt into the state
// machine. Terminal statuses remove the entry, so a stale timer firing
// afterwards finds nothing to resend. Regressions are ignored.
func (pt *pendingTracker) applyStatus(messageID string, status transport.Status) {
	stage := Stage(status)
	if _, known := stageRank[stage]; !known {
		return
	}

	pt.mu.Lock()
	m, ok := pt.msgs[messageID]
	if !ok || stageRank[stage] <= stageRank[m.Stage] {
		pt.mu.Unlock()
		return
	}
	m.Stage = stage
	if status.Terminal() {
		delete(pt.msgs, messageID)
	}
	pt.mu.Unlock()

	if pt.onStage != nil {
		pt.onStage(messageID, stage)
	}
}

func (pt *pendingTracker) run() {
	defer close(pt.done)
	ticker := time.NewTicker(pt.tick)
	defer ticker.Stop()
	for {
		select {
		case <-pt.stopCh:
			return
		case <-ticker.C:
			pt.sweep(time.Now())
		}
	}
}

// sweep is one resend/timeout pass. Resend candidates are collected under
// the lock and written outside it; no network I/O happens with the lock
// held.
func (pt *pendingTracker) sweep(now time.Time) {
	var resend [][]byte
	var timedOut []string

	pt.mu.Lock()
	for id, m := range pt.msgs {
		if now.Sub(m.FirstSentAt) > pt.ceiling {
			m.Stage = StageTimeout
			delete(pt.msgs, id)
			timedOut = append(timedOut, id)
			continue
		}
		if now.Sub(m.LastSentAt) > pt.retryInterval && m.Attempts < pt.maxAttempts {
			m.Attempts++
			m.LastSentAt = now
			resend = append(resend, m.Payload)
		}
	}
	pt.mu.Unlock()

	for _, payload := range resend {
		pt.sendRaw(payload)
	}
	if pt.onStage != nil {
		for _, id := range timedOut {
			pt.onStage(id, StageTimeout)
		}
	}
}

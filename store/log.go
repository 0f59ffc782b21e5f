package store

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Direction values for history entries.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
	DirectionSys = "sys"
)

// Entry is one line of a conversation log.
type Entry struct {
	Timestamp       int64  `json:"timestamp"`
	Direction       string `json:"direction"`
	PeerID          string `json:"peerId"`
	PeerDisplayName string `json:"peerDisplayName"`
	Plaintext       string `json:"plaintext"`
	MessageID       string `json:"messageId"`
	Status          string `json:"status"`
}

// ConversationStore owns the per-conversation log files. It also keeps an
// in-memory index of seen messageIds per conversation, loaded lazily from
// the log, which backs the durable "already in history" dedup check.
type ConversationStore struct {
	dir string

	mu    sync.Mutex
	index map[string]map[string]struct{}
}

// NewConversationStore opens (creating if needed) the history directory.
func NewConversationStore(dir string) (*ConversationStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	return &ConversationStore{
		dir:   dir,
		index: make(map[string]map[string]struct{}),
	}, nil
}

func (cs *ConversationStore) logPath(convID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(convID))
	return filepath.Join(cs.dir, name+".log")
}

// Append writes one entry to the conversation's log.
func (cs *ConversationStore) Append(convID string, e Entry) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	f, err := os.OpenFile(cs.logPath(convID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history log: %w", err)
	}

	if e.MessageID != "" {
		cs.indexLocked(convID)[e.MessageID] = struct{}{}
	}
	return nil
}

// History returns every entry of one conversation in append order.
func (cs *ConversationStore) History(convID string) ([]Entry, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.readLocked(convID)
}

// HasMessage reports whether a messageId already appears in the
// conversation's durable log. This is the second half of the client-side
// dedup guard: it holds across process restarts.
func (cs *ConversationStore) HasMessage(convID, messageID string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.indexLocked(convID)[messageID]
	return ok
}

// indexLocked returns the messageId set for convID, loading it from the
// log file on first touch. Callers hold cs.mu.
func (cs *ConversationStore) indexLocked(convID string) map[string]struct{} {
	if idx, ok := cs.index[convID]; ok {
		return idx
	}
	idx := make(map[string]struct{})
	entries, err := cs.readLocked(convID)
	if err == nil {
		for _, e := range entries {
			if e.MessageID != "" {
				idx[e.MessageID] = struct{}{}
			}
		}
	}
	cs.index[convID] = idx
	return idx
}

func (cs *ConversationStore) readLocked(convID string) ([]Entry, error) {
	f, err := os.Open(cs.logPath(convID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line from a crash is skipped, not fatal.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history log: %w", err)
	}
	return entries, nil
}

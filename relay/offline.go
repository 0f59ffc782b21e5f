package relay

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relayfab/relayfab/transport"
)

// OfflineStore is the durable store-and-forward queue: one append-only
// file per recipient, one envelope JSON line per entry. Entries stay until
// the recipient's client confirms processing with a delivered_to_client
// receipt; mere forwarding does not remove them.
type OfflineStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOfflineStore opens (creating if needed) the queue directory.
func NewOfflineStore(dir string) (*OfflineStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("offline store dir: %w", err)
	}
	return &OfflineStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the per-recipient lock. Appends, reads, and compactions
// for one recipient serialize on it; different recipients are independent.
func (s *OfflineStore) lockFor(recipientID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[recipientID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[recipientID] = l
	}
	return l
}

// queuePath maps an opaque recipient identifier to a safe file name.
func (s *OfflineStore) queuePath(recipientID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(recipientID))
	return filepath.Join(s.dir, name+".queue")
}

// Append stores one encoded envelope at the tail of the recipient's queue.
func (s *OfflineStore) Append(recipientID string, payload []byte) error {
	l := s.lockFor(recipientID)
	l.Lock()
	defer l.Unlock()
	return s.appendLocked(recipientID, payload)
}

// appendLocked is Append for callers already holding the recipient's lock.
func (s *OfflineStore) appendLocked(recipientID string, payload []byte) error {
	f, err := os.OpenFile(s.queuePath(recipientID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open offline queue: %w", err)
	}
	defer f.Close()

	line := append(bytes.TrimRight(payload, "\n"), '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append offline queue: %w", err)
	}
	return f.Sync()
}

// Pending returns every queued envelope for the recipient in append order.
// The queue file is left untouched; entries disappear only via Ack.
func (s *OfflineStore) Pending(recipientID string) ([][]byte, error) {
	l := s.lockFor(recipientID)
	l.Lock()
	defer l.Unlock()
	return s.readLines(recipientID)
}

func (s *OfflineStore) readLines(recipientID string) ([][]byte, error) {
	f, err := os.Open(s.queuePath(recipientID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), transport.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read offline queue: %w", err)
	}
	return lines, nil
}

// Ack removes the entry matching (senderID, messageID) from the
// recipient's queue. The rewrite goes to a temporary file first and only
// replaces the queue after a complete, successful write, so a partial
// compaction never loses the original.
func (s *OfflineStore) Ack(recipientID, senderID, messageID string) error {
	l := s.lockFor(recipientID)
	l.Lock()
	defer l.Unlock()

	lines, err := s.readLines(recipientID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}

	kept := lines[:0]
	removed := false
	for _, line := range lines {
		if !removed && entryMatches(line, senderID, messageID) {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return nil
	}

	path := s.queuePath(recipientID)
	if len(kept) == 0 {
		return os.Remove(path)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("compact offline queue: %w", err)
	}
	tmpName := tmp.Name()
	for _, line := range kept {
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("compact offline queue: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("compact offline queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("compact offline queue: %w", err)
	}
	return os.Rename(tmpName, path)
}

// entryMatches decodes one stored line and checks its sender and message
// identifiers. Lines that no longer decode are never matched (and so never
// silently dropped by an unrelated ack).
func entryMatches(line []byte, senderID, messageID string) bool {
	pkt, err := transport.DecodePacket(line)
	if err != nil {
		return false
	}
	switch p := pkt.(type) {
	case *transport.Chat:
		return p.FromID == senderID && p.MessageID == messageID
	case *transport.RoomChat:
		return p.FromID == senderID && p.MessageID == messageID
	default:
		return false
	}
}

package client

import (
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
)

type ChatEntry struct {
	Room   domain.RoomID
	Sender domain.Identity
	Text   string
	Sent   time.Time
	// Local marks messages sent by this session.
	Local bool
}

// ChatLog keeps messages in delivery order. Nothing is reordered by timestamp.
type ChatLog struct {
	mu      sync.Mutex
	entries []ChatEntry
}

func (l *ChatLog) Append(e ChatEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *ChatLog) Entries() []ChatEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChatEntry(nil), l.entries...)
}

func (l *ChatLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *ChatLog) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

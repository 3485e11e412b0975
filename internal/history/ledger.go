// Package history keeps the process-lifetime record of routed utterances.
package history

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"voxrelay/internal/domain"
)

// Ledger is an append-only ordered record of history entries keyed by
// domain.HistoryEntry.Key. Recording an existing key replaces the earlier
// entry in place, so the same utterance twice within one second yields a
// single entry holding the latest response.
type Ledger struct {
	mu      sync.RWMutex
	entries *orderedmap.OrderedMap[string, domain.HistoryEntry]
}

func NewLedger() *Ledger {
	return &Ledger{entries: orderedmap.New[string, domain.HistoryEntry]()}
}

// Record inserts entry. It reports whether an earlier entry was overwritten.
func (l *Ledger) Record(entry domain.HistoryEntry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, replaced := l.entries.Set(entry.Key(), entry)
	return replaced
}

// Entries returns a copy of the ledger in insertion order.
func (l *Ledger) Entries() []domain.HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.HistoryEntry, 0, l.entries.Len())
	for pair := l.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.Len()
}

// MarshalJSON exports the transcript as a JSON object whose keys keep
// insertion order.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.MarshalJSON()
}

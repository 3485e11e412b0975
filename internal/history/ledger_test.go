package history

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/domain"
)

func TestLedgerKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:00", Utterance: "b", Response: "1"})
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:01", Utterance: "a", Response: "2"})
	ledger.Record(domain.HistoryEntry{Timestamp: "09:59:59", Utterance: "c", Response: "3"})

	entries := ledger.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{entries[0].Utterance, entries[1].Utterance, entries[2].Utterance})
}

func TestLedgerOverwritesSameSecondSameUtterance(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	first := ledger.Record(domain.HistoryEntry{Timestamp: "10:00:00", Utterance: "hello", Response: "hi"})
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:00", Utterance: "other", Response: "x"})
	second := ledger.Record(domain.HistoryEntry{Timestamp: "10:00:00", Utterance: "hello", Response: "hi again"})

	assert.False(t, first)
	assert.True(t, second)
	require.Equal(t, 2, ledger.Len())

	entries := ledger.Entries()
	assert.Equal(t, "hello", entries[0].Utterance)
	assert.Equal(t, "hi again", entries[0].Response)
}

func TestLedgerDifferentSecondsDoNotCollide(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:00", Utterance: "hello", Response: "hi"})
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:01", Utterance: "hello", Response: "hi"})

	assert.Equal(t, 2, ledger.Len())
}

func TestLedgerEntriesIsACopy(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:00", Utterance: "hello", Response: "hi"})

	entries := ledger.Entries()
	entries[0].Response = "mutated"

	assert.Equal(t, "hi", ledger.Entries()[0].Response)
}

func TestLedgerMarshalJSONOrdered(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:02", Utterance: "z", Response: "1"})
	ledger.Record(domain.HistoryEntry{Timestamp: "10:00:01", Utterance: "a", Response: "2"})

	raw, err := json.Marshal(ledger)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"10:00:02: z":{"timestamp":"10:00:02","utterance":"z","response":"1"},"10:00:01: a":{"timestamp":"10:00:01","utterance":"a","response":"2"}}`,
		string(raw))

	zIdx := strings.Index(string(raw), `"10:00:02: z"`)
	aIdx := strings.Index(string(raw), `"10:00:01: a"`)
	assert.Less(t, zIdx, aIdx, "expected insertion order in JSON output")
}

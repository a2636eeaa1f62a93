// Ordered, append-only record of judged content items for a single conversation, partitioned in to "delivered" (accepted) and "flagged" (rejected) streams.
//
// Every recorded item lands in exactly one stream. The raw payload of flagged items is never returned from any accessor.
package ledger

import (
	"sync"

	"github.com/convoease/convoease/moderation/content"
)

// Safe for concurrent use. All mutation happens under a single lock, so id assignment and the append are atomic together.
type Ledger struct {
	mu        sync.Mutex
	initialID  int64
	nextID     int64
	generation int64
	delivered  []content.Item
	flagged    []content.Item
	// maps item ID to position; negative positions index in to flagged (as -(pos+1))
	index map[int64]int
}

// Creates an empty ledger. IDs start at initialID (values less than 1 are treated as 1).
func New(initialID int64) *Ledger {
	if initialID < 1 {
		initialID = 1
	}
	return &Ledger{
		initialID:  initialID,
		nextID:     initialID,
		generation: 1,
		index:      make(map[int64]int),
	}
}

// Assigns the next ID (and the current generation) to a copy of the item, and appends it to the delivered or flagged stream depending on the attached result. Returns the stored copy.
//
// The caller's item is not retained; later modifications to it (or its payload) don't affect the ledger.
func (l *Ledger) Record(item *content.Item) content.Item {
	stored := item.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	stored.ID = l.nextID
	stored.Generation = l.generation
	l.nextID++
	if stored.Result.Accepted {
		l.index[stored.ID] = len(l.delivered)
		l.delivered = append(l.delivered, stored)
		return stored.Clone()
	}
	l.index[stored.ID] = -(len(l.flagged) + 1)
	l.flagged = append(l.flagged, stored)
	return stored.Redacted()
}

// Ordered copy of all accepted items, including payloads.
func (l *Ledger) Delivered() []content.Item {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]content.Item, len(l.delivered))
	for i, it := range l.delivered {
		out[i] = it.Clone()
	}
	return out
}

// Ordered copy of all rejected items, with payloads removed.
func (l *Ledger) Flagged() []content.Item {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]content.Item, len(l.flagged))
	for i, it := range l.flagged {
		out[i] = it.Redacted()
	}
	return out
}

// Looks up an item in either stream. Flagged items are returned without payload.
func (l *Ledger) Get(id int64) (content.Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return content.Item{}, false
	}
	if pos >= 0 {
		return l.delivered[pos].Clone(), true
	}
	return l.flagged[-pos-1].Redacted(), true
}

// Returns the raw payload of a delivered item. Returns false for flagged or unknown items.
func (l *Ledger) Payload(id int64) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok || pos < 0 {
		return nil, false
	}
	it := l.delivered[pos].Clone()
	return it.Payload, true
}

// Empties both streams, resets the ID counter and starts a new generation, as a single operation.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.delivered = nil
	l.flagged = nil
	l.index = make(map[int64]int)
	l.nextID = l.initialID
	l.generation++
}

// ID which will be assigned to the next recorded item
func (l *Ledger) NextID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

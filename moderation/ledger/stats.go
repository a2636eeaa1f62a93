package ledger

import (
	"github.com/convoease/convoease/moderation/content"
)

type KindStats struct {
	Delivered int `json:"delivered"`
	Flagged   int `json:"flagged"`
}

// Aggregate counters over a ledger, computed from a consistent snapshot.
type Stats struct {
	Delivered int `json:"delivered"`
	Flagged   int `json:"flagged"`
	Total     int `json:"total"`
	// Items accepted without an actual judgment (confidence 0.0)
	Degraded int                        `json:"degraded"`
	ByKind   map[content.Kind]KindStats `json:"byKind"`
	// Percentage of items delivered, 0-100. Zero for an empty ledger.
	ApprovalRate float64 `json:"approvalRate"`
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{
		Delivered: len(l.delivered),
		Flagged:   len(l.flagged),
		ByKind:    make(map[content.Kind]KindStats, len(content.AllKinds)),
	}
	for _, k := range content.AllKinds {
		st.ByKind[k] = KindStats{}
	}
	for _, it := range l.delivered {
		ks := st.ByKind[it.Kind]
		ks.Delivered++
		st.ByKind[it.Kind] = ks
		if it.Result.Degraded() {
			st.Degraded++
		}
	}
	for _, it := range l.flagged {
		ks := st.ByKind[it.Kind]
		ks.Flagged++
		st.ByKind[it.Kind] = ks
	}
	st.Total = st.Delivered + st.Flagged
	if st.Total > 0 {
		st.ApprovalRate = float64(st.Delivered) / float64(st.Total) * 100.0
	}
	return st
}

package countstore

import (
	"context"
	"sync"
	"time"

	"github.com/convoease/convoease/moderation/content"
)

// In-process tallies. Buckets are never evicted, which is fine for a single short-lived process.
type MemCountStore struct {
	mu       sync.RWMutex
	counts   map[string]int
	distinct map[string]map[string]struct{}
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		counts:   make(map[string]int),
		distinct: make(map[string]map[string]struct{}),
	}
}

func (s *MemCountStore) Record(ctx context.Context, o Outcome) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range AllPeriods {
		s.counts[kindKey(o.Kind, fieldSubmissions, p, now)]++
		if o.Degraded {
			s.counts[kindKey(o.Kind, fieldDegraded, p, now)]++
		}
		if !o.Flagged {
			continue
		}
		s.counts[kindKey(o.Kind, fieldFlagged, p, now)]++
		s.counts[senderKey(o.Sender, p, now)]++
		k := kindKey(o.Kind, fieldFlaggedSenders, p, now)
		set, ok := s.distinct[k]
		if !ok {
			set = make(map[string]struct{})
			s.distinct[k] = set
		}
		set[o.Sender] = struct{}{}
	}
	return nil
}

func (s *MemCountStore) Tally(ctx context.Context, kind content.Kind, period Period) (Tally, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Tally{
		Submissions:    s.counts[kindKey(kind, fieldSubmissions, period, now)],
		Degraded:       s.counts[kindKey(kind, fieldDegraded, period, now)],
		Flagged:        s.counts[kindKey(kind, fieldFlagged, period, now)],
		FlaggedSenders: len(s.distinct[kindKey(kind, fieldFlaggedSenders, period, now)]),
	}, nil
}

func (s *MemCountStore) SenderFlagged(ctx context.Context, sender string, period Period) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[senderKey(sender, period, time.Now())], nil
}

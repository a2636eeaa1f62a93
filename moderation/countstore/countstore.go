// Moderation tallies which outlive any single conversation: submissions, degraded and flagged items per content kind, distinct flagged senders per kind, and rejections per sender.
//
// Each tally is kept in three time buckets (current hour, current UTC day, all time). Hour and day buckets are only retained for a while after their last write; see Period.Retention.
package countstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/convoease/convoease/moderation/content"
)

type Period string

const (
	PeriodTotal Period = "total"
	PeriodDay   Period = "day"
	PeriodHour  Period = "hour"
)

var AllPeriods = []Period{PeriodTotal, PeriodDay, PeriodHour}

func ParsePeriod(raw string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PeriodTotal, nil
	case PeriodTotal, PeriodDay, PeriodHour:
		return p, nil
	default:
		return "", fmt.Errorf("unknown period: %q", raw)
	}
}

// How long a bucket is kept after its last write. Zero means forever.
func (p Period) Retention() time.Duration {
	switch p {
	case PeriodHour:
		return 2 * time.Hour
	case PeriodDay:
		return 48 * time.Hour
	default:
		return 0
	}
}

// bucket suffix for the period containing t
func (p Period) bucket(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodHour:
		return "hour/" + t.Format("2006-01-02T15")
	case PeriodDay:
		return "day/" + t.Format(time.DateOnly)
	default:
		return "total"
	}
}

// A single finalized item, as seen by the counters.
type Outcome struct {
	Kind     content.Kind
	Sender   string
	Flagged  bool
	Degraded bool
}

type Tally struct {
	Submissions int `json:"submissions"`
	Degraded    int `json:"degraded"`
	Flagged     int `json:"flagged"`
	// approximate with the redis store (HyperLogLog)
	FlaggedSenders int `json:"flaggedSenders"`
}

type CountStore interface {
	Record(ctx context.Context, o Outcome) error
	Tally(ctx context.Context, kind content.Kind, period Period) (Tally, error)
	SenderFlagged(ctx context.Context, sender string, period Period) (int, error)
}

const (
	fieldSubmissions    = "submissions"
	fieldDegraded       = "degraded"
	fieldFlagged        = "flagged"
	fieldFlaggedSenders = "flagged-senders"
)

func kindKey(kind content.Kind, field string, p Period, t time.Time) string {
	return "kind/" + kind.String() + "/" + field + "/" + p.bucket(t)
}

func senderKey(sender string, p Period, t time.Time) string {
	return "sender/" + sender + "/" + fieldFlagged + "/" + p.bucket(t)
}

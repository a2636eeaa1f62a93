package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/countstore"
)

// Flag added to a sender when content of the given kind is rejected
func FlagFor(kind content.Kind) string {
	return "flagged-" + kind.String()
}

// Best-effort persistence of an already-recorded item. Errors are logged and counted, never returned: the ledger is the source of truth.
func (eng *Engine) persistSideEffects(ctx context.Context, logger *slog.Logger, conv *Conversation, item content.Item) {
	if err := eng.persistCounters(ctx, item); err != nil {
		logger.Error("failed to persist counters", "err", err)
		sideEffectErrorCount.WithLabelValues("counters").Inc()
	}

	if !item.Result.Accepted && eng.Flags != nil {
		if err := eng.Flags.Add(ctx, item.Sender, []string{FlagFor(item.Kind)}); err != nil {
			logger.Error("failed to persist sender flag", "err", err)
			sideEffectErrorCount.WithLabelValues("flags").Inc()
		}
	}

	if eng.Archive != nil {
		if err := eng.Archive.Save(ctx, conv.ID, item); err != nil {
			logger.Error("failed to archive item", "err", err)
			sideEffectErrorCount.WithLabelValues("archive").Inc()
		}
	}

	if !item.Result.Accepted && eng.Notifier != nil {
		// never hand the raw payload to a notification channel
		if err := eng.Notifier.SendFlagged(ctx, conv.ID, item.Redacted()); err != nil {
			logger.Error("failed to deliver flagged notification", "err", err)
			notificationCount.WithLabelValues("error").Inc()
		} else {
			notificationCount.WithLabelValues("ok").Inc()
		}
	}
}

func (eng *Engine) persistCounters(ctx context.Context, item content.Item) error {
	if eng.Counters == nil {
		return nil
	}
	return eng.Counters.Record(ctx, countstore.Outcome{
		Kind:     item.Kind,
		Sender:   item.Sender,
		Flagged:  !item.Result.Accepted,
		Degraded: item.Result.Degraded(),
	})
}

// Number of items from a sender which have been rejected, across all conversations.
func (eng *Engine) SenderFlagCount(ctx context.Context, sender string) (int, error) {
	if eng.Counters == nil {
		return 0, nil
	}
	return eng.Counters.SenderFlagged(ctx, sender, countstore.PeriodTotal)
}

// Per-kind moderation tallies across all conversations. Every kind is present in the result, zero or not.
func (eng *Engine) Tallies(ctx context.Context, period countstore.Period) (map[content.Kind]countstore.Tally, error) {
	out := make(map[content.Kind]countstore.Tally, len(content.AllKinds))
	for _, kind := range content.AllKinds {
		if eng.Counters == nil {
			out[kind] = countstore.Tally{}
			continue
		}
		t, err := eng.Counters.Tally(ctx, kind, period)
		if err != nil {
			return nil, fmt.Errorf("reading %s tally: %w", kind, err)
		}
		out[kind] = t
	}
	return out, nil
}

// Removes every flag from a sender, eg after moderator review. Returns the flags which were removed. Rejection counts are history and are left alone.
func (eng *Engine) ClearSenderFlags(ctx context.Context, sender string) ([]string, error) {
	if eng.Flags == nil {
		return []string{}, nil
	}
	flags, err := eng.Flags.Get(ctx, sender)
	if err != nil {
		return nil, err
	}
	if err := eng.Flags.Remove(ctx, sender, flags); err != nil {
		return nil, err
	}
	if len(flags) > 0 {
		eng.logger().Info("sender flags cleared", "sender", sender, "flags", flags)
	}
	return flags, nil
}

// Orchestrates moderation of a single submission: media normalization, validation against the conversation's rules, and recording in the conversation ledger.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/convoease/convoease/moderation/archive"
	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/countstore"
	"github.com/convoease/convoease/moderation/flagstore"
	"github.com/convoease/convoease/moderation/judge"
	"github.com/convoease/convoease/moderation/normalize"
	"github.com/convoease/convoease/moderation/ruleset"
	"github.com/convoease/convoease/util"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("moderation")

// runtime for moderating submissions and recording outcomes.
//
// Only Logger is strictly needed; a nil Validator or Normalizer behaves like one with no remote capability configured (fail-open). The stores, archive and notifier are optional, best-effort side effects.
type Engine struct {
	Logger     *slog.Logger
	Validator  *judge.Validator
	Normalizer *normalize.Normalizer
	Counters   countstore.CountStore
	Flags      flagstore.FlagStore
	Archive    *archive.Archive
	Notifier   Notifier
}

// Moderates a submission against the conversation's rules as of right now. A concurrent rule update does not affect an in-flight submission.
func (eng *Engine) Submit(ctx context.Context, conv *Conversation, sub Submission) (*content.Item, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}
	return eng.SubmitWithRules(ctx, conv, sub, conv.Rules.Current())
}

// Moderates a submission against an explicit rule set snapshot, and records the outcome in the conversation ledger.
//
// Only input errors (see Submission.Check) are returned, and these are returned before any item is created. Every accepted input ends up in exactly one of the ledger's streams. The returned item is the stored copy; for flagged items the payload is removed.
func (eng *Engine) SubmitWithRules(ctx context.Context, conv *Conversation, sub Submission, rs ruleset.RuleSet) (*content.Item, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}
	sub, err := sub.Check()
	if err != nil {
		kind := "unknown"
		if slices.Contains(content.AllKinds, sub.Kind) {
			kind = sub.Kind.String()
		}
		submissionCount.WithLabelValues(kind, "invalid").Inc()
		return nil, err
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "Submit", trace.WithAttributes(
		attribute.String("conversation", conv.ID),
		attribute.String("kind", sub.Kind.String()),
		attribute.Int64("revision", rs.Revision),
		attribute.Int("size", len(sub.Payload)),
	))
	defer span.End()

	logger := eng.logger().With("conv", conv.ID, "sender", sub.Sender, "kind", sub.Kind, "revision", rs.Revision)
	item := &content.Item{
		Sender:    sub.Sender,
		Kind:      sub.Kind,
		Payload:   sub.Payload,
		Format:    sub.Format,
		CreatedAt: start,
	}
	item.Surrogate, item.Result = eng.moderate(ctx, logger, sub, rs)

	stored := conv.Ledger.Record(item)
	logger = logger.With("id", stored.ID)

	outcome := "delivered"
	if !stored.Result.Accepted {
		outcome = "flagged"
	} else if stored.Result.Degraded() {
		outcome = "degraded"
	}
	span.SetAttributes(
		attribute.Int64("id", stored.ID),
		attribute.String("outcome", outcome),
		attribute.Float64("confidence", stored.Result.Confidence),
	)
	submissionCount.WithLabelValues(sub.Kind.String(), outcome).Inc()
	submissionDuration.WithLabelValues(sub.Kind.String()).Observe(time.Since(start).Seconds())

	logger.Info("canonical-event-line",
		"outcome", outcome,
		"accepted", stored.Result.Accepted,
		"reason", stored.Result.Reason,
		"confidence", stored.Result.Confidence,
		"duration", time.Since(start),
	)

	eng.persistSideEffects(ctx, logger, conv, stored)
	return &stored, nil
}

// Produces the surrogate text and validation result for an already-checked submission. Never fails: remote errors, timeouts and panics all become fail-open results.
func (eng *Engine) moderate(ctx context.Context, logger *slog.Logger, sub Submission, rs ruleset.RuleSet) (surrogate string, res content.Result) {
	// similar to an HTTP server, we want to recover any panics from moderation
	defer func() {
		if r := recover(); r != nil {
			logger.Error("moderation execution exception", "err", r)
			submissionPanicCount.Inc()
			if surrogate == "" {
				surrogate = normalize.FailurePrefix + fmt.Sprint(r)
			}
			res = content.Result{
				Accepted:   true,
				Reason:     fmt.Sprintf("moderation failed: %v", r),
				Confidence: 0.0,
				Revision:   rs.Revision,
			}
		}
	}()

	if sub.Kind == content.KindText {
		surrogate = string(sub.Payload)
	} else {
		surrogate = eng.normalizer().Normalize(ctx, sub.Payload, sub.Kind, sub.Format)
		logger.Debug("media normalized", "surrogate", util.Truncate(surrogate, 120))
	}
	res = eng.validator().Validate(ctx, surrogate, rs, judge.LabelFor(sub.Kind))
	return surrogate, res
}

func (eng *Engine) logger() *slog.Logger {
	if eng.Logger == nil {
		return slog.Default()
	}
	return eng.Logger
}

func (eng *Engine) validator() *judge.Validator {
	if eng.Validator == nil {
		return &judge.Validator{Logger: eng.Logger}
	}
	return eng.Validator
}

func (eng *Engine) normalizer() *normalize.Normalizer {
	if eng.Normalizer == nil {
		return &normalize.Normalizer{Logger: eng.Logger}
	}
	return eng.Normalizer
}

package judge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/convoease/convoease/moderation/cachestore"
	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/ruleset"
	"github.com/convoease/convoease/util"
)

var (
	ReasonNotConfigured = "no moderation configured"
	ReasonNoRules       = "no rules specified"
	ReasonCallFailed    = "judge call failed: "
	ReasonMalformed     = "judge response malformed: "
)

// Namespace for verdicts in a shared cache backend
const VerdictCacheNamespace = "verdict"

// Produces a content.Result for a piece of text, given a rule set. Validate never returns an error: all failures become fail-open results.
type Validator struct {
	// nil means no moderation is configured; all content is accepted (degraded)
	Judge Judge
	// Optional verdict cache. Only results where judgment was actually performed are cached.
	Cache cachestore.CacheStore[Verdict]
	// Per-call timeout for the judge. Zero means no timeout beyond the caller's context.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Judges surrogate text against a rule set. label describes the text ("message", "image caption", ...), and is passed through to the judge so the same validator serves all content kinds.
func (v *Validator) Validate(ctx context.Context, text string, rs ruleset.RuleSet, label string) content.Result {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("label", label, "revision", rs.Revision)

	if v.Judge == nil {
		validateCount.WithLabelValues("unconfigured").Inc()
		return content.Result{Accepted: true, Reason: ReasonNotConfigured, Confidence: 0.0, Revision: rs.Revision}
	}
	if rs.IsEmpty() {
		validateCount.WithLabelValues("no-rules").Inc()
		return content.Result{Accepted: true, Reason: ReasonNoRules, Confidence: 1.0, Revision: rs.Revision}
	}

	key := verdictCacheKey(rs.Text, label, text)
	if cached := v.cachedVerdict(ctx, logger, key); cached != nil {
		validateCount.WithLabelValues("cached").Inc()
		return content.Result{Accepted: cached.Accepted, Reason: cached.Reason, Confidence: cached.Confidence, Revision: rs.Revision}
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := v.Judge.Judge(ctx, NewRequest(rs.Text, label, text))
	validateDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Warn("judge call failed, accepting content", "err", err)
		validateCount.WithLabelValues("call-failed").Inc()
		return content.Result{Accepted: true, Reason: ReasonCallFailed + err.Error(), Confidence: 0.0, Revision: rs.Revision}
	}

	verdict, err := ParseResponse(raw)
	if err != nil {
		logger.Warn("judge response malformed, accepting content", "err", err, "response", util.Truncate(raw, 200))
		validateCount.WithLabelValues("malformed").Inc()
		return content.Result{Accepted: true, Reason: ReasonMalformed + err.Error(), Confidence: 0.0, Revision: rs.Revision}
	}

	if verdict.Accepted {
		validateCount.WithLabelValues("accepted").Inc()
	} else {
		validateCount.WithLabelValues("rejected").Inc()
	}
	v.storeVerdict(ctx, logger, key, verdict)
	return content.Result{Accepted: verdict.Accepted, Reason: verdict.Reason, Confidence: verdict.Confidence, Revision: rs.Revision}
}

func (v *Validator) cachedVerdict(ctx context.Context, logger *slog.Logger, key string) *Verdict {
	if v.Cache == nil {
		return nil
	}
	cached, ok, err := v.Cache.Get(ctx, key)
	if err != nil {
		logger.Warn("verdict cache read failed", "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	// only judged verdicts are ever stored; anything else is stale or corrupt
	if cached.Confidence < MinJudgedConfidence || cached.Confidence > 1.0 {
		logger.Warn("invalid cached verdict, purging", "confidence", cached.Confidence)
		if err := v.Cache.Purge(ctx, key); err != nil {
			logger.Warn("verdict cache purge failed", "err", err)
		}
		return nil
	}
	return &cached
}

func (v *Validator) storeVerdict(ctx context.Context, logger *slog.Logger, key string, verdict *Verdict) {
	if v.Cache == nil {
		return
	}
	if err := v.Cache.Set(ctx, key, *verdict); err != nil {
		logger.Warn("verdict cache write failed", "err", err)
	}
}

// Cache key is independent of rule set revision: revisions are per-conversation, but identical rule text should share verdicts
func verdictCacheKey(rules, label, text string) string {
	h := sha256.New()
	for _, part := range []string{rules, label, text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Converts media content (images, audio) into a textual surrogate which the judge can reason about.
//
// The actual captioning and transcription is delegated to external capabilities (see the inference package). Failures are never returned as errors: they become the surrogate text itself, so that the judge sees them as content.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convoease/convoease/moderation/content"
)

// Instruction sent along with images to the captioning capability. Captions are factual descriptions, with no awareness of the moderation rules.
const CaptionInstruction = "Describe this image in 2-3 sentences. Focus on what you see, including any text, people, objects, or activities. Be concise and factual."

var (
	NoSpeechSentinel   = "no speech detected"
	NoCaptionSentinel  = "no description available"
	FailurePrefix      = "processing failed: "
	CaptionUnavailable = "image uploaded (captioning not configured)"
	AudioUnavailable   = "audio uploaded (transcription not configured)"
)

type Captioner interface {
	Caption(ctx context.Context, image []byte, format, instruction string) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Either capability may be nil, in which case a fixed placeholder surrogate is returned for that kind.
type Normalizer struct {
	Captioner   Captioner
	Transcriber Transcriber
	// Per-call timeout for the remote capability. Zero means no timeout beyond the caller's context.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Returns the textual surrogate for a payload. Never returns an empty string.
func (n *Normalizer) Normalize(ctx context.Context, payload []byte, kind content.Kind, format string) string {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("kind", kind, "format", format, "size", len(payload))

	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		normalizeDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}()

	switch kind {
	case content.KindText:
		return string(payload)
	case content.KindImage:
		if n.Captioner == nil {
			return CaptionUnavailable
		}
		caption, err := n.Captioner.Caption(ctx, payload, format, CaptionInstruction)
		if err != nil {
			logger.Warn("image captioning failed", "err", err)
			normalizeFailures.WithLabelValues(kind.String()).Inc()
			return FailurePrefix + err.Error()
		}
		caption = strings.TrimSpace(caption)
		if caption == "" {
			return NoCaptionSentinel
		}
		return caption
	case content.KindAudio:
		if n.Transcriber == nil {
			return AudioUnavailable
		}
		transcript, err := n.Transcriber.Transcribe(ctx, payload, format)
		if err != nil {
			logger.Warn("audio transcription failed", "err", err)
			normalizeFailures.WithLabelValues(kind.String()).Inc()
			return FailurePrefix + err.Error()
		}
		transcript = strings.TrimSpace(transcript)
		if transcript == "" {
			return NoSpeechSentinel
		}
		return transcript
	default:
		normalizeFailures.WithLabelValues("unknown").Inc()
		return FailurePrefix + fmt.Sprintf("unsupported content kind: %q", kind)
	}
}

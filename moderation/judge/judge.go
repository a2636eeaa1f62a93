// Validates textual content against a free-text rule set, by delegating to an external text-classification ("judge") capability.
//
// Every path where judgment could not actually be performed is fail-open: the content is accepted, with confidence 0.0 marking the result as degraded. An empty rule set is also fail-open, but fully confident (confidence 1.0), since "no rules" means everything is allowed.
package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoease/convoease/moderation/content"
)

// Fixed instruction describing the moderation task and the required response shape. The "%s" is replaced with the content label.
const instructionTemplate = `You are a content moderation assistant. Your task is to validate %s content against specific group rules.

Analyze the content and determine if it violates any of the provided rules.
Respond only with a JSON object with exactly these fields:
- "accepted": boolean (true if the content is acceptable, false if it violates the rules)
- "reason": string (brief explanation of your decision)
- "confidence": number between 0 and 1 (how confident you are in your decision)

Be strict but fair. Consider context and intent. For image captions and audio transcripts, focus on the actual content being described or spoken.`

// A single judgment request. Backends decide how to map this on to their wire format; Prompt() renders the user-facing part.
type Request struct {
	Instruction string
	Rules       string
	// Describes what Content is: "message", "image caption", "audio transcript"
	Label   string
	Content string
}

func NewRequest(rules, label, text string) Request {
	return Request{
		Instruction: fmt.Sprintf(instructionTemplate, label),
		Rules:       rules,
		Label:       label,
		Content:     text,
	}
}

func (r Request) Prompt() string {
	return fmt.Sprintf("Group Rules:\n%s\n\n%s content to validate:\n%q\n\nValidate this %s content against the rules above.",
		r.Rules, capitalize(r.Label), r.Content, r.Label)
}

// External text-judgment capability. Returns the raw response text, which is expected to contain a JSON object matching the instruction.
type Judge interface {
	Judge(ctx context.Context, req Request) (string, error)
}

// Adapter to allow the use of ordinary functions as a Judge
type JudgeFunc func(ctx context.Context, req Request) (string, error)

func (f JudgeFunc) Judge(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Label used to describe the judged text for a given kind of content.
func LabelFor(kind content.Kind) string {
	switch kind {
	case content.KindImage:
		return "image caption"
	case content.KindAudio:
		return "audio transcript"
	default:
		return "message"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Core data types shared by the moderation pipeline: the kind of a submitted content item, the item itself, and the result of judging it.
package content

import (
	"fmt"
	"strings"
	"time"
)

// Discriminant for submitted content. Only text is judged directly; the other kinds are first converted to a textual surrogate.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

var AllKinds = []Kind{KindText, KindImage, KindAudio}

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case KindText, KindImage, KindAudio:
		return k, nil
	default:
		return "", fmt.Errorf("unknown content kind: %q", raw)
	}
}

func (k Kind) String() string {
	return string(k)
}

// Whether content of this kind needs to go through media normalization before it can be judged.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindAudio
}

// Outcome of judging a single content item. Produced once, and immutable after that.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
	// In the range [0,1]. Exactly 0.0 is reserved for results where no judgment was actually performed.
	Confidence float64 `json:"confidence"`
	// Revision of the rule set which was active when the item was submitted
	Revision int64 `json:"revision"`
}

// Indicates that the judge could not be consulted (not configured, remote failure, malformed response), and the result is a fail-open default.
func (r Result) Degraded() bool {
	return r.Confidence == 0.0
}

// A single piece of submitted content, along with the text which was judged and the disposition.
//
// Constructed by the engine at submission time; the ledger assigns ID when recording. Should not be mutated after being recorded.
type Item struct {
	ID int64 `json:"id"`
	// Ledger generation the item was recorded in. Clearing a ledger starts a new generation and restarts IDs, so (Generation, ID) is unique for the life of a conversation.
	Generation int64  `json:"generation"`
	Sender     string `json:"sender"`
	Kind       Kind   `json:"kind"`
	// Original bytes of the submission (UTF-8 text for the text kind). Never serialized; see ledger.Ledger.Payload
	Payload []byte `json:"-"`
	// File format (extension) for media items, eg "png" or "mp3". Empty for text.
	Format string `json:"format,omitempty"`
	// The text actually judged: the message itself, an image caption, or an audio transcript
	Surrogate string    `json:"surrogate"`
	CreatedAt time.Time `json:"createdAt"`
	Result    Result    `json:"result"`
}

// Returns a copy of the item without the raw payload.
func (it Item) Redacted() Item {
	it.Payload = nil
	return it
}

// Returns a copy of the item with its own copy of the payload bytes.
func (it Item) Clone() Item {
	if it.Payload != nil {
		buf := make([]byte, len(it.Payload))
		copy(buf, it.Payload)
		it.Payload = buf
	}
	return it
}

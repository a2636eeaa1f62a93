// Private moderation flags attached to senders.
//
// When a sender's content is rejected, the engine records a flag against the sender (eg, "flagged-image"). Flags are deduplicated string sets keyed by sender.
package flagstore

import (
	"context"
)

type FlagStore interface {
	Get(ctx context.Context, key string) ([]string, error)
	Add(ctx context.Context, key string, flags []string) error
	Remove(ctx context.Context, key string, flags []string) error
}

package engine

import (
	"github.com/convoease/convoease/moderation/ledger"
	"github.com/convoease/convoease/moderation/ruleset"
)

// Per-conversation moderation state: the active rules, and the ledger of judged items. Lifecycle is owned by the caller; nothing here is global.
type Conversation struct {
	ID     string
	Rules  *ruleset.Active
	Ledger *ledger.Ledger
}

// Creates a conversation with an empty ledger (ids starting at 1) and the given initial rules.
func NewConversation(id, rules string) (*Conversation, error) {
	active, err := ruleset.NewActive(rules)
	if err != nil {
		return nil, err
	}
	return &Conversation{
		ID:     id,
		Rules:  active,
		Ledger: ledger.New(1),
	}, nil
}

package ruleset

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// Maximum length (in characters) of moderation policy text
var MaxLength = 1000

var ErrTooLong = errors.New("rule set text too long")

// Free-form moderation policy text, along with a logical revision number. Immutable value; see Active for the mutable per-conversation holder.
type RuleSet struct {
	Text     string `json:"text"`
	Revision int64  `json:"revision"`
}

// Creates the first revision of a rule set.
func New(text string) (RuleSet, error) {
	if err := checkLength(text); err != nil {
		return RuleSet{}, err
	}
	return RuleSet{Text: text, Revision: 1}, nil
}

// Reports whether moderation should be bypassed (no policy configured).
func (rs RuleSet) IsEmpty() bool {
	return strings.TrimSpace(rs.Text) == ""
}

func checkLength(text string) error {
	if n := utf8.RuneCountInString(text); n > MaxLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrTooLong, n, MaxLength)
	}
	return nil
}

// Holds the currently active RuleSet for a conversation. Safe for concurrent use.
//
// Readers take a snapshot with Current() and keep using it for the lifetime of a validation, even if the rules are updated concurrently.
type Active struct {
	mu      sync.RWMutex
	current RuleSet
}

func NewActive(text string) (*Active, error) {
	rs, err := New(text)
	if err != nil {
		return nil, err
	}
	return &Active{current: rs}, nil
}

func (a *Active) Current() RuleSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Replaces the policy text, bumping the revision. If the text is unchanged, this is a no-op and the current value is returned.
func (a *Active) Update(text string) (RuleSet, error) {
	if err := checkLength(text); err != nil {
		return RuleSet{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if text == a.current.Text {
		return a.current, nil
	}
	a.current = RuleSet{
		Text:     text,
		Revision: a.current.Revision + 1,
	}
	return a.current, nil
}

// Durable, relational record of judged content, for audit and later review.
//
// Only metadata and the textual surrogate are archived. Raw payloads are never written, so flagged content can't leak through the archive.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/convoease/convoease/moderation/content"

	"gorm.io/gorm"
)

type Entry struct {
	ID           uint      `gorm:"primarykey" json:"-"`
	Conversation string    `gorm:"index:idx_entry_conv_item,unique" json:"conversation"`
	Generation   int64     `gorm:"index:idx_entry_conv_item,unique" json:"generation"`
	ItemID       int64     `gorm:"index:idx_entry_conv_item,unique" json:"itemId"`
	Sender       string    `gorm:"index" json:"sender"`
	Kind         string    `json:"kind"`
	Format       string    `json:"format,omitempty"`
	Surrogate    string    `json:"surrogate"`
	Accepted     bool      `json:"accepted"`
	Reason       string    `json:"reason"`
	Confidence   float64   `json:"confidence"`
	Revision     int64     `json:"revision"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Archive is backed by any gorm-supported database (sqlite and postgres are wired up in cliutil.SetupDatabase)
type Archive struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Archive, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func EntryFromItem(conv string, item content.Item) Entry {
	return Entry{
		Conversation: conv,
		Generation:   item.Generation,
		ItemID:       item.ID,
		Sender:       item.Sender,
		Kind:         item.Kind.String(),
		Format:       item.Format,
		Surrogate:    item.Surrogate,
		Accepted:     item.Result.Accepted,
		Reason:       item.Result.Reason,
		Confidence:   item.Result.Confidence,
		Revision:     item.Result.Revision,
		CreatedAt:    item.CreatedAt,
	}
}

// Persists a finalized item. The item's payload is ignored.
func (a *Archive) Save(ctx context.Context, conv string, item content.Item) error {
	ent := EntryFromItem(conv, item)
	return a.db.WithContext(ctx).Create(&ent).Error
}

// Returns archived entries for a conversation, oldest first, spanning every generation of its ledger. A limit of zero (or less) returns all entries.
func (a *Archive) List(ctx context.Context, conv string, limit int) ([]Entry, error) {
	var out []Entry
	q := a.db.WithContext(ctx).Where("conversation = ?", conv).Order("generation asc, item_id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Returns the most recent rejected entries for a sender, across all conversations.
func (a *Archive) ListFlaggedBySender(ctx context.Context, sender string, limit int) ([]Entry, error) {
	var out []Entry
	q := a.db.WithContext(ctx).Where("sender = ? AND accepted = ?", sender, false).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Removes all archived entries for a conversation. Returns the number of rows deleted.
func (a *Archive) Purge(ctx context.Context, conv string) (int64, error) {
	res := a.db.WithContext(ctx).Where("conversation = ?", conv).Delete(&Entry{})
	return res.RowsAffected, res.Error
}

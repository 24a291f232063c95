package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Entry is a write-once operational audit record. Entries are never updated
// or deleted; they exist so that every operator-initiated mutation of ledger
// state can be traced back to a person and a reason.
type Entry struct {
	gorm.Model  `json:"-"`
	EntryID     string    `gorm:"uniqueIndex" json:"entry_id"`
	OperatorID  string    `json:"operator_id"`
	Action      string    `json:"action"`
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id"`
	BeforeState string    `json:"before_state"`
	AfterState  string    `json:"after_state"`
	Reason      string    `json:"reason"`
	BusinessID  string    `gorm:"index" json:"business_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Writer persists audit entries inside a caller-supplied transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Record writes an audit entry within tx. The write is critical: a returned
// error must abort the enclosing transaction, so the audit trail can never
// diverge from ledger state.
func (w *Writer) Record(tx *gorm.DB, entry *Entry) error {
	if entry.OperatorID == "" {
		return fmt.Errorf("audit entry requires an operator id")
	}
	entry.EntryID = "AUD_" + uuid.New().String()
	entry.CreatedAt = time.Now()

	if err := tx.Create(entry).Error; err != nil {
		log.Error().
			Err(err).
			Str("action", entry.Action).
			Str("operator_id", entry.OperatorID).
			Msg("audit write failed, enclosing transaction must abort")
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// GetByBusinessID returns all audit entries recorded under a business id.
func (w *Writer) GetByBusinessID(db *gorm.DB, businessID string) ([]Entry, error) {
	var entries []Entry
	if err := db.Where("business_id = ?", businessID).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

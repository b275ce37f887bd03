package reading

import (
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/position"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
)

// ReaderPosition is a reader's persisted pointer into one revision.
type ReaderPosition struct {
	ReaderID   string     `gorm:"column:reader_id;primaryKey;size:64;not null"`
	RevisionID int64      `gorm:"column:revision_id;not null;index"`
	BlockID    int64      `gorm:"column:block_id;not null"`
	Sequence   int        `gorm:"column:sequence;not null"`
	RemapTier  string     `gorm:"column:remap_tier;size:16;not null;default:''"`
	RemappedAt *time.Time `gorm:"column:remapped_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReaderPosition) TableName() string {
	return "reader_positions"
}

// Models lists the tables owned by this package, for schema migration.
func Models() []any {
	return []any{&ReaderPosition{}}
}

// Direction selects which way Navigate moves.
type Direction int

const (
	DirectionForward Direction = iota + 1
	DirectionBack
)

// String returns the direction name used in logs.
func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionBack:
		return "back"
	default:
		return "unknown"
	}
}

// NavigateRequest describes one page turn. Stride zero uses the configured stride.
// ExpectedSequence, when set, makes the turn a no-op unless the stored pointer still matches it,
// so a retried request does not turn two pages.
type NavigateRequest struct {
	Direction        Direction
	Stride           int
	ExpectedSequence *int
}

// Notice tells a reader their place was moved because the book changed.
type Notice struct {
	Tier       position.Tier
	RemappedAt time.Time
}

// Page is one screenful of the book for a reader.
type Page struct {
	ReaderID    string
	RevisionID  int64
	Sequence    int
	TotalBlocks int
	Blocks      []revisions.SequencedBlock
	AtEdge      bool
	Moved       bool
	Notice      *Notice
}

// ReaderRemap records one reader moved by a publish.
type ReaderRemap struct {
	ReaderID         string
	FromRevisionID   int64
	FromSequence     int
	Match            position.Match
	RemappedAtUnixMs int64
}

// PublishReport summarizes a publish.
type PublishReport struct {
	RevisionID     int64
	PointerVersion int64
	Remapped       []ReaderRemap
	TierCounts     map[position.Tier]int
}

package revisions

import (
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/content"
)

// SingletonBookID identifies the only book the service hosts.
const SingletonBookID int64 = 1

// BookRecord stores the singleton book and its most recently imported title.
type BookRecord struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	Title     string    `gorm:"column:title;size:512;not null;default:''"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (BookRecord) TableName() string {
	return "books"
}

// Revision is one immutable snapshot of the book.
type Revision struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	BookID     int64     `gorm:"column:book_id;not null;index"`
	Title      string    `gorm:"column:title;size:512;not null;default:''"`
	BlockCount int       `gorm:"column:block_count;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "book_revisions"
}

// BlockRecord is a persisted block. Sequence is dense and zero based within its revision.
type BlockRecord struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	RevisionID  int64  `gorm:"column:revision_id;not null;uniqueIndex:idx_blocks_revision_sequence,priority:1"`
	Sequence    int    `gorm:"column:sequence;not null;uniqueIndex:idx_blocks_revision_sequence,priority:2"`
	TypeCode    int    `gorm:"column:type_id;not null"`
	Content     string `gorm:"column:content;type:text;not null"`
	Fingerprint string `gorm:"column:fingerprint;size:64;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (BlockRecord) TableName() string {
	return "blocks"
}

// LivePointer records which revision readers are served. Version increases on every swap.
type LivePointer struct {
	BookID     int64     `gorm:"column:book_id;primaryKey;autoIncrement:false"`
	RevisionID int64     `gorm:"column:revision_id;not null"`
	Version    int64     `gorm:"column:version;not null;default:1"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LivePointer) TableName() string {
	return "live_revisions"
}

// SequencedBlock is a decoded block together with its place in a revision.
type SequencedBlock struct {
	ID          int64
	RevisionID  int64
	Sequence    int
	Block       content.Block
	Fingerprint content.Fingerprint
}

func decodeBlock(record BlockRecord) (SequencedBlock, error) {
	blockType, err := content.DecodeBlockType(record.TypeCode)
	if err != nil {
		return SequencedBlock{}, err
	}
	return SequencedBlock{
		ID:          record.ID,
		RevisionID:  record.RevisionID,
		Sequence:    record.Sequence,
		Block:       content.Block{Type: blockType, Content: record.Content},
		Fingerprint: content.Fingerprint(record.Fingerprint),
	}, nil
}

// Models lists the tables owned by this package, for schema migration.
func Models() []any {
	return []any{&BookRecord{}, &Revision{}, &BlockRecord{}, &LivePointer{}}
}

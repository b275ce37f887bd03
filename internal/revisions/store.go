// Package revisions persists immutable book revisions and the pointer to the live one.
package revisions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/content"
	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/MarcoPoloResearchLab/ides/internal/position"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew      = "revisions.store.new"
	opPersist       = "revisions.persist"
	opSetLive       = "revisions.set_live"
	opLive          = "revisions.live"
	opRevision      = "revisions.revision"
	opListRevisions = "revisions.list_revisions"
	opListBlocks    = "revisions.list_blocks"
	opSeek          = "revisions.seek"
	opBlock         = "revisions.block"
	opLoadIndex     = "revisions.load_index"

	reasonMissingDatabase  = "missing_database"
	reasonEmptyBook        = "empty_book"
	reasonBookUpsertFailed = "book_upsert_failed"
	reasonRevisionInsert   = "revision_insert_failed"
	reasonBlockInsert      = "block_insert_failed"
	reasonRevisionLookup   = "revision_lookup_failed"
	reasonRevisionMissing  = "revision_missing"
	reasonRevisionEmpty    = "revision_empty"
	reasonPointerUpsert    = "pointer_upsert_failed"
	reasonPointerMissing   = "pointer_missing"
	reasonQueryFailed      = "query_failed"
	reasonBlockDecode      = "block_decode_failed"
	reasonBlockMissing     = "block_missing"
	reasonSequenceGap      = "sequence_gap"
	reasonInvalidWindow    = "invalid_window"

	fieldRevisionID = "revision_id"
	fieldSequence   = "sequence"
	fieldBlockID    = "block_id"

	queryRevision          = "revision_id = ?"
	queryRevisionFromSeq   = "revision_id = ? AND sequence >= ?"
	queryRevisionUntilSeq  = "revision_id = ? AND sequence <= ?"
	queryRevisionSequence  = "revision_id = ? AND sequence = ?"
	orderSequenceAscending = "sequence ASC"
	orderSequenceDesc      = "sequence DESC"

	insertBatchSize = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes revisions. Revisions never change once written, so fingerprint indexes
// are cached per revision id.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	indexes sync.Map
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errs.New(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Persist writes the book as a brand-new revision. The revision row and every block row are
// written in one transaction; nothing is visible unless all of it is.
func (store *Store) Persist(ctx context.Context, book content.Book) (Revision, error) {
	if len(book.Blocks) == 0 {
		return Revision{}, errs.New(opPersist, reasonEmptyBook, errs.ErrEmptyRevision)
	}

	createdAt := store.clock().UTC()
	revision := Revision{
		BookID:     SingletonBookID,
		Title:      book.Title,
		BlockCount: len(book.Blocks),
		CreatedAt:  createdAt,
	}

	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bookRow := BookRecord{ID: SingletonBookID, Title: book.Title, UpdatedAt: createdAt}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "updated_at"}),
		}).Create(&bookRow).Error; err != nil {
			store.logError(opPersist, reasonBookUpsertFailed, err)
			return errs.Persistence(opPersist, reasonBookUpsertFailed, err)
		}

		if err := tx.Create(&revision).Error; err != nil {
			store.logError(opPersist, reasonRevisionInsert, err)
			return errs.Persistence(opPersist, reasonRevisionInsert, err)
		}

		rows := make([]BlockRecord, 0, len(book.Blocks))
		for sequence, block := range book.Blocks {
			rows = append(rows, BlockRecord{
				RevisionID:  revision.ID,
				Sequence:    sequence,
				TypeCode:    block.Type.Code(),
				Content:     block.Content,
				Fingerprint: block.Fingerprint().String(),
			})
		}
		if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
			store.logError(opPersist, reasonBlockInsert, err, zap.Int64(fieldRevisionID, revision.ID))
			return errs.Persistence(opPersist, reasonBlockInsert, err)
		}
		return nil
	})
	if txErr != nil {
		return Revision{}, txErr
	}

	store.logger.Info("revision persisted",
		zap.Int64(fieldRevisionID, revision.ID),
		zap.Int("block_count", revision.BlockCount))
	return revision, nil
}

// SetLive atomically points readers at revisionID.
func (store *Store) SetLive(ctx context.Context, revisionID int64) (LivePointer, error) {
	var pointer LivePointer
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		revision, err := store.findRevision(tx, opSetLive, revisionID)
		if err != nil {
			return err
		}
		if revision.BlockCount == 0 {
			return errs.New(opSetLive, reasonRevisionEmpty, fmt.Errorf("%w: revision %d", errs.ErrEmptyRevision, revisionID))
		}

		now := store.clock().UTC()
		candidate := LivePointer{BookID: SingletonBookID, RevisionID: revisionID, Version: 1, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "book_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"revision_id": revisionID,
				"updated_at":  now,
				"version":     gorm.Expr("live_revisions.version + 1"),
			}),
		}).Create(&candidate).Error; err != nil {
			store.logError(opSetLive, reasonPointerUpsert, err, zap.Int64(fieldRevisionID, revisionID))
			return errs.Persistence(opSetLive, reasonPointerUpsert, err)
		}

		if err := tx.Where("book_id = ?", SingletonBookID).Take(&pointer).Error; err != nil {
			store.logError(opSetLive, reasonQueryFailed, err)
			return errs.Persistence(opSetLive, reasonQueryFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return LivePointer{}, txErr
	}

	store.logger.Info("live revision changed",
		zap.Int64(fieldRevisionID, pointer.RevisionID),
		zap.Int64("version", pointer.Version))
	return pointer, nil
}

// Live returns the revision readers are currently served.
func (store *Store) Live(ctx context.Context) (Revision, error) {
	var pointer LivePointer
	err := store.db.WithContext(ctx).Where("book_id = ?", SingletonBookID).Take(&pointer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Revision{}, errs.New(opLive, reasonPointerMissing, errs.ErrNoLiveRevision)
	}
	if err != nil {
		store.logError(opLive, reasonQueryFailed, err)
		return Revision{}, errs.Persistence(opLive, reasonQueryFailed, err)
	}
	return store.findRevision(store.db.WithContext(ctx), opLive, pointer.RevisionID)
}

// Revision loads a revision header by id.
func (store *Store) Revision(ctx context.Context, revisionID int64) (Revision, error) {
	return store.findRevision(store.db.WithContext(ctx), opRevision, revisionID)
}

// ListRevisions returns every revision, newest first.
func (store *Store) ListRevisions(ctx context.Context) ([]Revision, error) {
	var revisions []Revision
	if err := store.db.WithContext(ctx).Order("id DESC").Find(&revisions).Error; err != nil {
		store.logError(opListRevisions, reasonQueryFailed, err)
		return nil, errs.Persistence(opListRevisions, reasonQueryFailed, err)
	}
	return revisions, nil
}

// ListBlocks returns up to window blocks starting at anchorSequence, in sequence order.
func (store *Store) ListBlocks(ctx context.Context, revisionID int64, anchorSequence, window int) ([]SequencedBlock, error) {
	if window <= 0 {
		return nil, errs.New(opListBlocks, reasonInvalidWindow, fmt.Errorf("%w: window %d", errs.ErrInvalidInput, window))
	}
	var records []BlockRecord
	if err := store.db.WithContext(ctx).
		Where(queryRevisionFromSeq, revisionID, anchorSequence).
		Order(orderSequenceAscending).
		Limit(window).
		Find(&records).Error; err != nil {
		store.logError(opListBlocks, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID))
		return nil, errs.Persistence(opListBlocks, reasonQueryFailed, err)
	}
	return store.decodeAll(opListBlocks, records)
}

// SeekForward returns the first block at or after target. ok is false past the end.
func (store *Store) SeekForward(ctx context.Context, revisionID int64, target int) (SequencedBlock, bool, error) {
	return store.seek(ctx, revisionID, queryRevisionFromSeq, orderSequenceAscending, target)
}

// SeekBackward returns the last block at or before target. ok is false before the start.
func (store *Store) SeekBackward(ctx context.Context, revisionID int64, target int) (SequencedBlock, bool, error) {
	return store.seek(ctx, revisionID, queryRevisionUntilSeq, orderSequenceDesc, target)
}

// BlockAt returns the block at an exact sequence.
func (store *Store) BlockAt(ctx context.Context, revisionID int64, sequence int) (SequencedBlock, error) {
	var record BlockRecord
	err := store.db.WithContext(ctx).Where(queryRevisionSequence, revisionID, sequence).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SequencedBlock{}, errs.New(opBlock, reasonBlockMissing,
			fmt.Errorf("%w: revision %d sequence %d", errs.ErrNotFound, revisionID, sequence))
	}
	if err != nil {
		store.logError(opBlock, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID), zap.Int(fieldSequence, sequence))
		return SequencedBlock{}, errs.Persistence(opBlock, reasonQueryFailed, err)
	}
	return store.decode(opBlock, record)
}

// Block loads a block by its row id.
func (store *Store) Block(ctx context.Context, blockID int64) (SequencedBlock, error) {
	var record BlockRecord
	err := store.db.WithContext(ctx).Where("id = ?", blockID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SequencedBlock{}, errs.New(opBlock, reasonBlockMissing, fmt.Errorf("%w: block %d", errs.ErrNotFound, blockID))
	}
	if err != nil {
		store.logError(opBlock, reasonQueryFailed, err, zap.Int64(fieldBlockID, blockID))
		return SequencedBlock{}, errs.Persistence(opBlock, reasonQueryFailed, err)
	}
	return store.decode(opBlock, record)
}

// LoadIndex returns the fingerprints of a revision ordered by sequence.
func (store *Store) LoadIndex(ctx context.Context, revisionID int64) (position.Index, error) {
	if cached, ok := store.indexes.Load(revisionID); ok {
		if idx, ok := cached.(position.Index); ok {
			return idx, nil
		}
	}

	var records []BlockRecord
	if err := store.db.WithContext(ctx).
		Select("sequence", "fingerprint").
		Where(queryRevision, revisionID).
		Order(orderSequenceAscending).
		Find(&records).Error; err != nil {
		store.logError(opLoadIndex, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID))
		return position.Index{}, errs.Persistence(opLoadIndex, reasonQueryFailed, err)
	}
	if len(records) == 0 {
		if _, err := store.findRevision(store.db.WithContext(ctx), opLoadIndex, revisionID); err != nil {
			return position.Index{}, err
		}
		return position.Index{}, errs.New(opLoadIndex, reasonRevisionEmpty,
			fmt.Errorf("%w: revision %d", errs.ErrEmptyRevision, revisionID))
	}

	idx := position.Index{RevisionID: revisionID, Fingerprints: make([]content.Fingerprint, 0, len(records))}
	for expected, record := range records {
		if record.Sequence != expected {
			err := fmt.Errorf("revision %d: expected sequence %d, found %d", revisionID, expected, record.Sequence)
			store.logError(opLoadIndex, reasonSequenceGap, err, zap.Int64(fieldRevisionID, revisionID))
			return position.Index{}, errs.New(opLoadIndex, reasonSequenceGap, err)
		}
		idx.Fingerprints = append(idx.Fingerprints, content.Fingerprint(record.Fingerprint))
	}

	store.indexes.Store(revisionID, idx)
	return idx, nil
}

func (store *Store) seek(ctx context.Context, revisionID int64, query, order string, target int) (SequencedBlock, bool, error) {
	var record BlockRecord
	err := store.db.WithContext(ctx).Where(query, revisionID, target).Order(order).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SequencedBlock{}, false, nil
	}
	if err != nil {
		store.logError(opSeek, reasonQueryFailed, err, zap.Int64(fieldRevisionID, revisionID), zap.Int(fieldSequence, target))
		return SequencedBlock{}, false, errs.Persistence(opSeek, reasonQueryFailed, err)
	}
	block, err := store.decode(opSeek, record)
	if err != nil {
		return SequencedBlock{}, false, err
	}
	return block, true, nil
}

func (store *Store) findRevision(db *gorm.DB, operation string, revisionID int64) (Revision, error) {
	var revision Revision
	err := db.Where("id = ?", revisionID).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Revision{}, errs.New(operation, reasonRevisionMissing, fmt.Errorf("%w: revision %d", errs.ErrNotFound, revisionID))
	}
	if err != nil {
		store.logError(operation, reasonRevisionLookup, err, zap.Int64(fieldRevisionID, revisionID))
		return Revision{}, errs.Persistence(operation, reasonRevisionLookup, err)
	}
	return revision, nil
}

func (store *Store) decodeAll(operation string, records []BlockRecord) ([]SequencedBlock, error) {
	blocks := make([]SequencedBlock, 0, len(records))
	for _, record := range records {
		block, err := store.decode(operation, record)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func (store *Store) decode(operation string, record BlockRecord) (SequencedBlock, error) {
	block, err := decodeBlock(record)
	if err != nil {
		store.logError(operation, reasonBlockDecode, err, zap.Int64(fieldBlockID, record.ID))
		return SequencedBlock{}, errs.New(operation, reasonBlockDecode, err)
	}
	return block, nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("revision store error", attrs...)
}

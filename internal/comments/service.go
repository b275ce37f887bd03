// Package comments stores reader remarks attached to individual blocks.
package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/MarcoPoloResearchLab/ides/internal/readers"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MaxBodyLength is the longest accepted comment, in characters.
	MaxBodyLength = 4000
	// DefaultRecentLimit is used by ListRecent when no limit is given.
	DefaultRecentLimit = 50
	maxRecentLimit     = 200

	opServiceNew  = "comments.service.new"
	opAdd         = "comments.add"
	opListForBlk  = "comments.list_for_block"
	opListRecent  = "comments.list_recent"
	fieldBlockID  = "block_id"
	fieldReaderID = "reader_id"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingBlocks   = errors.New("block lookup is required")
	noOpLogger         = zap.NewNop()
)

// Comment is a remark a reader left on a block.
type Comment struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	BlockID   int64     `gorm:"column:block_id;not null;index"`
	ReaderID  string    `gorm:"column:reader_id;size:64;not null;index"`
	Body      string    `gorm:"column:body;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// BlockLookup resolves a block by row id.
type BlockLookup interface {
	Block(ctx context.Context, blockID int64) (revisions.SequencedBlock, error)
}

// ServiceConfig describes the dependencies of the comment service.
type ServiceConfig struct {
	Database   *gorm.DB
	Blocks     BlockLookup
	Clock      func() time.Time
	IDProvider readers.IDProvider
	Logger     *zap.Logger
}

// Service adds and lists comments.
type Service struct {
	db         *gorm.DB
	blocks     BlockLookup
	clock      func() time.Time
	idProvider readers.IDProvider
	logger     *zap.Logger
}

// NewService constructs the comment service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errs.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Blocks == nil {
		return nil, errs.New(opServiceNew, "missing_blocks", errMissingBlocks)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = readers.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		blocks:     cfg.Blocks,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Add attaches a comment to an existing block.
func (s *Service) Add(ctx context.Context, readerID string, blockID int64, body string) (Comment, error) {
	if strings.TrimSpace(readerID) == "" {
		return Comment{}, errs.New(opAdd, "missing_reader", fmt.Errorf("%w: reader id", errs.ErrInvalidInput))
	}
	text := strings.TrimSpace(body)
	if text == "" {
		return Comment{}, errs.New(opAdd, "empty_body", fmt.Errorf("%w: empty comment", errs.ErrInvalidInput))
	}
	if utf8.RuneCountInString(text) > MaxBodyLength {
		return Comment{}, errs.New(opAdd, "body_too_long",
			fmt.Errorf("%w: comment exceeds %d characters", errs.ErrInvalidInput, MaxBodyLength))
	}
	if _, err := s.blocks.Block(ctx, blockID); err != nil {
		return Comment{}, err
	}

	commentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAdd, "id_generation_failed", err)
		return Comment{}, errs.New(opAdd, "id_generation_failed", err)
	}
	comment := Comment{
		ID:        commentID,
		BlockID:   blockID,
		ReaderID:  readerID,
		Body:      text,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opAdd, "insert_failed", err, zap.Int64(fieldBlockID, blockID), zap.String(fieldReaderID, readerID))
		return Comment{}, errs.Persistence(opAdd, "insert_failed", err)
	}
	return comment, nil
}

// ListForBlock returns a block's comments, oldest first.
func (s *Service) ListForBlock(ctx context.Context, blockID int64) ([]Comment, error) {
	var found []Comment
	err := s.db.WithContext(ctx).
		Where("block_id = ?", blockID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&found).Error
	if err != nil {
		s.logError(opListForBlk, "query_failed", err, zap.Int64(fieldBlockID, blockID))
		return nil, errs.Persistence(opListForBlk, "query_failed", err)
	}
	return found, nil
}

// ListRecent returns the newest comments across the book.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	var found []Comment
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&found).Error
	if err != nil {
		s.logError(opListRecent, "query_failed", err)
		return nil, errs.Persistence(opListRecent, "query_failed", err)
	}
	return found, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("comments service error", attrs...)
}

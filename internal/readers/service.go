// Package readers manages the token holders allowed to read the book.
package readers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew    = "readers.service.new"
	opIssue         = "readers.issue"
	opAuthenticate  = "readers.authenticate"
	opRevoke        = "readers.revoke"
	opList          = "readers.list"
	opGet           = "readers.get"
	fieldReaderID   = "reader_id"
	queryActiveByID = "id = ? AND revoked_at IS NULL"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies required for reader management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service issues, authenticates and revokes reader tokens.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the reader service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errs.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Issue creates a reader and returns the token, which is not recoverable afterwards.
func (s *Service) Issue(ctx context.Context, name string, role Role) (Reader, Token, error) {
	normalized, err := normalizeName(name)
	if err != nil {
		return Reader{}, "", errs.New(opIssue, "invalid_name", err)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Reader{}, "", errs.New(opIssue, "invalid_role", err)
	}

	token, err := NewToken()
	if err != nil {
		s.logError(opIssue, "token_generation_failed", err)
		return Reader{}, "", errs.New(opIssue, "token_generation_failed", err)
	}
	readerID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opIssue, "id_generation_failed", err)
		return Reader{}, "", errs.New(opIssue, "id_generation_failed", err)
	}

	reader := Reader{
		ID:          readerID,
		Name:        normalized,
		Role:        role,
		TokenDigest: token.Digest(),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&reader).Error; err != nil {
		s.logError(opIssue, "insert_failed", err, zap.String(fieldReaderID, readerID))
		return Reader{}, "", errs.Persistence(opIssue, "insert_failed", err)
	}

	s.logger.Info("reader issued", zap.String(fieldReaderID, reader.ID), zap.String("role", string(reader.Role)))
	return reader, token, nil
}

// Authenticate resolves an active reader from a presented token.
func (s *Service) Authenticate(ctx context.Context, token Token) (Reader, error) {
	if strings.TrimSpace(token.Reveal()) == "" {
		return Reader{}, errs.New(opAuthenticate, "missing_token", errs.ErrUnauthorized)
	}
	digest := token.Digest()
	if cached, ok := s.cache.Load(digest); ok {
		if reader, ok := cached.(Reader); ok {
			return reader, nil
		}
	}

	var reader Reader
	err := s.db.WithContext(ctx).
		Where("token_digest = ? AND revoked_at IS NULL", digest).
		Take(&reader).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Reader{}, errs.New(opAuthenticate, "unknown_token", errs.ErrUnauthorized)
	}
	if err != nil {
		s.logError(opAuthenticate, "query_failed", err)
		return Reader{}, errs.Persistence(opAuthenticate, "query_failed", err)
	}

	s.cache.Store(digest, reader)
	return reader, nil
}

// Get returns an active reader by id.
func (s *Service) Get(ctx context.Context, readerID string) (Reader, error) {
	var reader Reader
	err := s.db.WithContext(ctx).Where(queryActiveByID, readerID).Take(&reader).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Reader{}, errs.New(opGet, "reader_missing", fmt.Errorf("%w: reader %s", errs.ErrNotFound, readerID))
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String(fieldReaderID, readerID))
		return Reader{}, errs.Persistence(opGet, "query_failed", err)
	}
	return reader, nil
}

// Revoke disables a reader's token. Their reading position is kept.
func (s *Service) Revoke(ctx context.Context, readerID string) error {
	result := s.db.WithContext(ctx).
		Model(&Reader{}).
		Where(queryActiveByID, readerID).
		Update("revoked_at", s.now().UTC())
	if result.Error != nil {
		s.logError(opRevoke, "update_failed", result.Error, zap.String(fieldReaderID, readerID))
		return errs.Persistence(opRevoke, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.New(opRevoke, "reader_missing", fmt.Errorf("%w: reader %s", errs.ErrNotFound, readerID))
	}

	s.cache.Range(func(key, value any) bool {
		if reader, ok := value.(Reader); ok && reader.ID == readerID {
			s.cache.Delete(key)
		}
		return true
	})
	s.logger.Info("reader revoked", zap.String(fieldReaderID, readerID))
	return nil
}

// List returns every reader, revoked ones included, oldest first.
func (s *Service) List(ctx context.Context) ([]Reader, error) {
	var readers []Reader
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&readers).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, errs.Persistence(opList, "query_failed", err)
	}
	return readers, nil
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
	s.logger.Error("readers service error", attrs...)
}

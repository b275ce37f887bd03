package reading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/MarcoPoloResearchLab/ides/internal/position"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryReader          = "reader_id = ?"
	queryReaderAt        = "reader_id = ? AND revision_id = ? AND sequence = ?"
	queryOutsideRevision = "revision_id <> ?"
	maxRemapAttempts     = 3
)

var errRemapContention = errors.New("reader position kept changing during remap")

// RevisionSource is the part of the revision store the reading services depend on.
type RevisionSource interface {
	Live(ctx context.Context) (revisions.Revision, error)
	SetLive(ctx context.Context, revisionID int64) (revisions.LivePointer, error)
	LoadIndex(ctx context.Context, revisionID int64) (position.Index, error)
	ListBlocks(ctx context.Context, revisionID int64, anchorSequence, window int) ([]revisions.SequencedBlock, error)
	SeekForward(ctx context.Context, revisionID int64, target int) (revisions.SequencedBlock, bool, error)
	SeekBackward(ctx context.Context, revisionID int64, target int) (revisions.SequencedBlock, bool, error)
	BlockAt(ctx context.Context, revisionID int64, sequence int) (revisions.SequencedBlock, error)
}

type positionRepository struct {
	db    *gorm.DB
	clock func() time.Time
}

func (repo positionRepository) find(ctx context.Context, readerID string) (ReaderPosition, bool, error) {
	var stored ReaderPosition
	err := repo.db.WithContext(ctx).Where(queryReader, readerID).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReaderPosition{}, false, nil
	}
	if err != nil {
		return ReaderPosition{}, false, err
	}
	return stored, true, nil
}

// insertIfAbsent creates the row unless a concurrent request already did.
func (repo positionRepository) insertIfAbsent(ctx context.Context, row ReaderPosition) error {
	return repo.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// move updates the pointer only if it still sits where the caller last saw it.
func (repo positionRepository) move(ctx context.Context, from ReaderPosition, to revisions.SequencedBlock) (bool, error) {
	result := repo.db.WithContext(ctx).
		Model(&ReaderPosition{}).
		Where(queryReaderAt, from.ReaderID, from.RevisionID, from.Sequence).
		Updates(map[string]any{
			"sequence":   to.Sequence,
			"block_id":   to.ID,
			"updated_at": repo.clock().UTC(),
		})
	return result.RowsAffected == 1, result.Error
}

// remap swaps revision and sequence in one statement so no reader ever sees a new revision id
// paired with a stale sequence.
func (repo positionRepository) remap(ctx context.Context, from ReaderPosition, to revisions.SequencedBlock, tier position.Tier) (time.Time, bool, error) {
	now := repo.clock().UTC()
	result := repo.db.WithContext(ctx).
		Model(&ReaderPosition{}).
		Where(queryReaderAt, from.ReaderID, from.RevisionID, from.Sequence).
		Updates(map[string]any{
			"revision_id": to.RevisionID,
			"sequence":    to.Sequence,
			"block_id":    to.ID,
			"remap_tier":  string(tier),
			"remapped_at": now,
			"updated_at":  now,
		})
	return now, result.RowsAffected == 1, result.Error
}

func (repo positionRepository) clearNotice(ctx context.Context, readerID string) (bool, error) {
	result := repo.db.WithContext(ctx).
		Model(&ReaderPosition{}).
		Where(queryReader, readerID).
		Updates(map[string]any{"remap_tier": "", "remapped_at": nil})
	return result.RowsAffected == 1, result.Error
}

func (repo positionRepository) listOutside(ctx context.Context, revisionID int64) ([]ReaderPosition, error) {
	var stale []ReaderPosition
	err := repo.db.WithContext(ctx).Where(queryOutsideRevision, revisionID).Order("reader_id ASC").Find(&stale).Error
	return stale, err
}

// pairCache builds each (from, to) Pair once and shares it between readers.
type pairCache struct {
	source RevisionSource
	target position.Index
	mu     sync.Mutex
	pairs  map[int64]*position.Pair
}

func newPairCache(source RevisionSource, target position.Index) *pairCache {
	return &pairCache{source: source, target: target, pairs: make(map[int64]*position.Pair)}
}

func (cache *pairCache) pairFrom(ctx context.Context, fromRevisionID int64) (*position.Pair, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if pair, ok := cache.pairs[fromRevisionID]; ok {
		return pair, nil
	}
	fromIndex, err := cache.source.LoadIndex(ctx, fromRevisionID)
	if err != nil {
		return nil, err
	}
	pair, err := position.NewPair(fromIndex, cache.target)
	if err != nil {
		return nil, err
	}
	cache.pairs[fromRevisionID] = pair
	return pair, nil
}

// remapReader moves one reader onto the cache's target revision. If the reader turns a page
// while being remapped, the remap is recomputed from the fresh row.
func remapReader(ctx context.Context, repo positionRepository, source RevisionSource, cache *pairCache, current ReaderPosition) (ReaderRemap, bool, error) {
	targetRevisionID := cache.target.RevisionID
	for attempt := 0; attempt < maxRemapAttempts; attempt++ {
		if current.RevisionID == targetRevisionID {
			return ReaderRemap{}, false, nil
		}

		pair, err := cache.pairFrom(ctx, current.RevisionID)
		if err != nil {
			return ReaderRemap{}, false, err
		}
		match := pair.Remap(current.Sequence, "")
		block, err := source.BlockAt(ctx, targetRevisionID, match.Sequence)
		if err != nil {
			return ReaderRemap{}, false, err
		}

		remappedAt, swapped, err := repo.remap(ctx, current, block, match.Tier)
		if err != nil {
			return ReaderRemap{}, false, err
		}
		if swapped {
			return ReaderRemap{
				ReaderID:         current.ReaderID,
				FromRevisionID:   current.RevisionID,
				FromSequence:     current.Sequence,
				Match:            match,
				RemappedAtUnixMs: remappedAt.UnixMilli(),
			}, true, nil
		}

		fresh, found, err := repo.find(ctx, current.ReaderID)
		if err != nil {
			return ReaderRemap{}, false, err
		}
		if !found {
			return ReaderRemap{}, false, nil
		}
		current = fresh
	}
	return ReaderRemap{}, false, fmt.Errorf("%w: reader %s", errRemapContention, current.ReaderID)
}

func persistenceOrPassthrough(operation, reason string, err error) error {
	var serviceErr *errs.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return errs.Persistence(operation, reason, err)
}

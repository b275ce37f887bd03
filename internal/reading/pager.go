// Package reading moves readers through the live revision and carries them across publishes.
package reading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/MarcoPoloResearchLab/ides/internal/position"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultWindow is the number of blocks shown per page.
	DefaultWindow = 3

	opPagerNew    = "reading.pager.new"
	opView        = "reading.view"
	opNavigate    = "reading.navigate"
	opAcknowledge = "reading.acknowledge_notice"
	opPosition    = "reading.position"

	reasonMissingDatabase = "missing_database"
	reasonMissingSource   = "missing_source"
	reasonInvalidWindow   = "invalid_window"
	reasonInvalidStride   = "invalid_stride"
	reasonInvalidDirect   = "invalid_direction"
	reasonPositionLookup  = "position_lookup_failed"
	reasonPositionInsert  = "position_insert_failed"
	reasonPositionUpdate  = "position_update_failed"
	reasonPositionMissing = "position_missing"
	reasonRemapFailed     = "remap_failed"

	fieldReaderID   = "reader_id"
	fieldRevisionID = "revision_id"
	fieldSequence   = "sequence"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSource   = errors.New("revision source is required")
	noOpLogger         = zap.NewNop()
)

// PagerConfig describes the dependencies of a Pager.
type PagerConfig struct {
	Database *gorm.DB
	Store    RevisionSource
	Window   int
	Stride   int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Pager serves windows of the live revision and persists each reader's pointer.
type Pager struct {
	repo   positionRepository
	source RevisionSource
	window int
	stride int
	clock  func() time.Time
	logger *zap.Logger
}

// NewPager validates the configuration and constructs a Pager.
func NewPager(cfg PagerConfig) (*Pager, error) {
	if cfg.Database == nil {
		return nil, errs.New(opPagerNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, errs.New(opPagerNew, reasonMissingSource, errMissingSource)
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}
	if window < 0 {
		return nil, errs.New(opPagerNew, reasonInvalidWindow, fmt.Errorf("%w: window %d", errs.ErrInvalidInput, window))
	}
	stride := cfg.Stride
	if stride == 0 {
		stride = window
	}
	if stride < 0 {
		return nil, errs.New(opPagerNew, reasonInvalidStride, fmt.Errorf("%w: stride %d", errs.ErrInvalidInput, stride))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pager{
		repo:   positionRepository{db: cfg.Database, clock: clock},
		source: cfg.Store,
		window: window,
		stride: stride,
		clock:  clock,
		logger: logger,
	}, nil
}

// Window reports the configured page size.
func (p *Pager) Window() int {
	return p.window
}

// View returns the reader's current page without moving them. A reader seen for the first time
// starts at the beginning of the live revision.
func (p *Pager) View(ctx context.Context, readerID string) (Page, error) {
	current, err := p.current(ctx, opView, readerID)
	if err != nil {
		return Page{}, err
	}
	return p.render(ctx, current, false, false)
}

// Navigate turns the page for a reader.
func (p *Pager) Navigate(ctx context.Context, readerID string, request NavigateRequest) (Page, error) {
	if request.Direction != DirectionForward && request.Direction != DirectionBack {
		return Page{}, errs.New(opNavigate, reasonInvalidDirect, fmt.Errorf("%w: direction %d", errs.ErrInvalidInput, request.Direction))
	}
	stride := request.Stride
	if stride == 0 {
		stride = p.stride
	}
	if stride < 0 {
		return Page{}, errs.New(opNavigate, reasonInvalidStride, fmt.Errorf("%w: stride %d", errs.ErrInvalidInput, stride))
	}

	current, err := p.current(ctx, opNavigate, readerID)
	if err != nil {
		return Page{}, err
	}
	if request.ExpectedSequence != nil && *request.ExpectedSequence != current.Sequence {
		return p.render(ctx, current, false, false)
	}

	var (
		target revisions.SequencedBlock
		found  bool
	)
	switch request.Direction {
	case DirectionForward:
		target, found, err = p.source.SeekForward(ctx, current.RevisionID, current.Sequence+stride)
	case DirectionBack:
		if current.Sequence == 0 {
			return p.render(ctx, current, true, false)
		}
		target, found, err = p.source.SeekBackward(ctx, current.RevisionID, max(current.Sequence-stride, 0))
	}
	if err != nil {
		return Page{}, err
	}
	if !found {
		return p.render(ctx, current, true, false)
	}

	moved, err := p.repo.move(ctx, current, target)
	if err != nil {
		p.logError(opNavigate, reasonPositionUpdate, err, zap.String(fieldReaderID, readerID))
		return Page{}, errs.Persistence(opNavigate, reasonPositionUpdate, err)
	}
	if !moved {
		// Someone else moved this reader first; show where they actually are.
		fresh, err := p.current(ctx, opNavigate, readerID)
		if err != nil {
			return Page{}, err
		}
		return p.render(ctx, fresh, false, false)
	}

	current.Sequence = target.Sequence
	current.BlockID = target.ID
	p.logger.Debug("reader navigated",
		zap.String(fieldReaderID, readerID),
		zap.String("direction", request.Direction.String()),
		zap.Int(fieldSequence, current.Sequence))
	return p.render(ctx, current, false, true)
}

// AcknowledgeNotice clears the remap notice shown to a reader.
func (p *Pager) AcknowledgeNotice(ctx context.Context, readerID string) error {
	updated, err := p.repo.clearNotice(ctx, readerID)
	if err != nil {
		p.logError(opAcknowledge, reasonPositionUpdate, err, zap.String(fieldReaderID, readerID))
		return errs.Persistence(opAcknowledge, reasonPositionUpdate, err)
	}
	if !updated {
		return errs.New(opAcknowledge, reasonPositionMissing, fmt.Errorf("%w: reader %s", errs.ErrNotFound, readerID))
	}
	return nil
}

// Position returns the stored pointer for a reader as-is.
func (p *Pager) Position(ctx context.Context, readerID string) (ReaderPosition, error) {
	stored, found, err := p.repo.find(ctx, readerID)
	if err != nil {
		p.logError(opPosition, reasonPositionLookup, err, zap.String(fieldReaderID, readerID))
		return ReaderPosition{}, errs.Persistence(opPosition, reasonPositionLookup, err)
	}
	if !found {
		return ReaderPosition{}, errs.New(opPosition, reasonPositionMissing, fmt.Errorf("%w: reader %s", errs.ErrNotFound, readerID))
	}
	return stored, nil
}

// current loads the reader's pointer, creating it or carrying it onto the live revision as needed.
func (p *Pager) current(ctx context.Context, operation, readerID string) (ReaderPosition, error) {
	live, err := p.source.Live(ctx)
	if err != nil {
		return ReaderPosition{}, err
	}

	stored, found, err := p.repo.find(ctx, readerID)
	if err != nil {
		p.logError(operation, reasonPositionLookup, err, zap.String(fieldReaderID, readerID))
		return ReaderPosition{}, errs.Persistence(operation, reasonPositionLookup, err)
	}
	if !found {
		return p.start(ctx, operation, readerID, live.ID)
	}
	if stored.RevisionID == live.ID {
		return stored, nil
	}

	liveIndex, err := p.source.LoadIndex(ctx, live.ID)
	if err != nil {
		return ReaderPosition{}, err
	}
	remap, remapped, err := remapReader(ctx, p.repo, p.source, newPairCache(p.source, liveIndex), stored)
	if err != nil {
		p.logError(operation, reasonRemapFailed, err, zap.String(fieldReaderID, readerID), zap.Int64(fieldRevisionID, stored.RevisionID))
		return ReaderPosition{}, persistenceOrPassthrough(operation, reasonRemapFailed, err)
	}
	if remapped {
		p.logger.Info("reader remapped on read",
			zap.String(fieldReaderID, readerID),
			zap.Int64("from_revision_id", remap.FromRevisionID),
			zap.Int64(fieldRevisionID, remap.Match.RevisionID),
			zap.String("tier", string(remap.Match.Tier)))
	}
	return p.reload(ctx, operation, readerID)
}

func (p *Pager) start(ctx context.Context, operation, readerID string, liveRevisionID int64) (ReaderPosition, error) {
	idx, err := p.source.LoadIndex(ctx, liveRevisionID)
	if err != nil {
		return ReaderPosition{}, err
	}
	match, err := position.Initial(idx)
	if err != nil {
		return ReaderPosition{}, errs.New(operation, reasonRemapFailed, err)
	}
	first, err := p.source.BlockAt(ctx, liveRevisionID, match.Sequence)
	if err != nil {
		return ReaderPosition{}, err
	}
	row := ReaderPosition{
		ReaderID:   readerID,
		RevisionID: liveRevisionID,
		BlockID:    first.ID,
		Sequence:   first.Sequence,
		UpdatedAt:  p.clock().UTC(),
	}
	if err := p.repo.insertIfAbsent(ctx, row); err != nil {
		p.logError(operation, reasonPositionInsert, err, zap.String(fieldReaderID, readerID))
		return ReaderPosition{}, errs.Persistence(operation, reasonPositionInsert, err)
	}
	return p.reload(ctx, operation, readerID)
}

func (p *Pager) reload(ctx context.Context, operation, readerID string) (ReaderPosition, error) {
	stored, found, err := p.repo.find(ctx, readerID)
	if err != nil {
		p.logError(operation, reasonPositionLookup, err, zap.String(fieldReaderID, readerID))
		return ReaderPosition{}, errs.Persistence(operation, reasonPositionLookup, err)
	}
	if !found {
		return ReaderPosition{}, errs.New(operation, reasonPositionMissing, fmt.Errorf("%w: reader %s", errs.ErrNotFound, readerID))
	}
	return stored, nil
}

func (p *Pager) render(ctx context.Context, current ReaderPosition, atEdge, moved bool) (Page, error) {
	blocks, err := p.source.ListBlocks(ctx, current.RevisionID, current.Sequence, p.window)
	if err != nil {
		return Page{}, err
	}
	idx, err := p.source.LoadIndex(ctx, current.RevisionID)
	if err != nil {
		return Page{}, err
	}
	page := Page{
		ReaderID:    current.ReaderID,
		RevisionID:  current.RevisionID,
		Sequence:    current.Sequence,
		TotalBlocks: idx.Len(),
		Blocks:      blocks,
		AtEdge:      atEdge,
		Moved:       moved,
	}
	if current.RemapTier != "" && current.RemappedAt != nil {
		page.Notice = &Notice{Tier: position.Tier(current.RemapTier), RemappedAt: current.RemappedAt.UTC()}
	}
	return page, nil
}

func (p *Pager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("reading service error", attrs...)
}

package reading

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/MarcoPoloResearchLab/ides/internal/position"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPublishConcurrency bounds how many readers are remapped at once.
	DefaultPublishConcurrency = 8

	opPublisherNew = "reading.publisher.new"
	opPublish      = "reading.publish"

	reasonMissingPager  = "missing_pager"
	reasonListFailed    = "position_list_failed"
	reasonRemapAborted  = "remap_aborted"
	reasonInvalidLimit  = "invalid_concurrency"
	fieldPointerVersion = "pointer_version"
)

var errMissingPager = errors.New("pager is required")

// Notifier is told about every publish and every reader it moved.
type Notifier interface {
	RevisionPublished(revisionID, pointerVersion int64)
	ReaderRemapped(remap ReaderRemap)
}

// PublisherConfig describes the dependencies of a Publisher.
type PublisherConfig struct {
	Pager       *Pager
	Concurrency int
	Notifier    Notifier
	Logger      *zap.Logger
}

// Publisher makes a revision live and carries every reader onto it.
type Publisher struct {
	repo        positionRepository
	source      RevisionSource
	concurrency int
	notifier    Notifier
	logger      *zap.Logger
}

// NewPublisher constructs a Publisher sharing storage with the given Pager.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Pager == nil {
		return nil, errs.New(opPublisherNew, reasonMissingPager, errMissingPager)
	}
	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = DefaultPublishConcurrency
	}
	if concurrency < 0 {
		return nil, errs.New(opPublisherNew, reasonInvalidLimit, errs.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Pager.logger
	}
	return &Publisher{
		repo:        cfg.Pager.repo,
		source:      cfg.Pager.source,
		concurrency: concurrency,
		notifier:    cfg.Notifier,
		logger:      logger,
	}, nil
}

// Publish swaps the live pointer to revisionID and remaps every reader left on another revision.
// The swap is durable before any reader is touched; readers a failed publish did not reach are
// remapped lazily on their next read.
func (pub *Publisher) Publish(ctx context.Context, revisionID int64) (PublishReport, error) {
	pointer, err := pub.source.SetLive(ctx, revisionID)
	if err != nil {
		return PublishReport{}, err
	}
	target, err := pub.source.LoadIndex(ctx, revisionID)
	if err != nil {
		return PublishReport{}, err
	}
	if pub.notifier != nil {
		pub.notifier.RevisionPublished(revisionID, pointer.Version)
	}

	stale, err := pub.repo.listOutside(ctx, revisionID)
	if err != nil {
		pub.logError(opPublish, reasonListFailed, err, zap.Int64(fieldRevisionID, revisionID))
		return PublishReport{}, errs.Persistence(opPublish, reasonListFailed, err)
	}

	started := time.Now()
	cache := newPairCache(pub.source, target)
	results := make([]ReaderRemap, len(stale))
	moved := make([]bool, len(stale))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(pub.concurrency)
	for i, current := range stale {
		i, current := i, current
		group.Go(func() error {
			remap, ok, err := remapReader(groupCtx, pub.repo, pub.source, cache, current)
			if err != nil {
				pub.logError(opPublish, reasonRemapFailed, err, zap.String(fieldReaderID, current.ReaderID))
				return err
			}
			if ok {
				results[i] = remap
				moved[i] = true
				if pub.notifier != nil {
					pub.notifier.ReaderRemapped(remap)
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return PublishReport{}, persistenceOrPassthrough(opPublish, reasonRemapAborted, err)
	}

	report := PublishReport{
		RevisionID:     revisionID,
		PointerVersion: pointer.Version,
		Remapped:       make([]ReaderRemap, 0, len(stale)),
		TierCounts:     make(map[position.Tier]int),
	}
	for i := range results {
		if !moved[i] {
			continue
		}
		report.Remapped = append(report.Remapped, results[i])
		report.TierCounts[results[i].Match.Tier]++
	}

	pub.logger.Info("revision published",
		zap.Int64(fieldRevisionID, revisionID),
		zap.Int64(fieldPointerVersion, pointer.Version),
		zap.Int("remapped", len(report.Remapped)),
		zap.Duration("elapsed", time.Since(started)))
	return report, nil
}

func (pub *Publisher) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	pub.logger.Error("reading service error", attrs...)
}

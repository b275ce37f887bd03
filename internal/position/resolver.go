// Package position maps a reader's place in one revision of the book onto another revision.
//
// Sequence numbers are useless across revisions: an edit anywhere before the reader shifts them.
// Fingerprints are not identities either, because a book may repeat a paragraph verbatim. A
// fingerprint that occurs exactly once in both revisions is canonical and is the only thing
// trusted as an anchor. Remapping tries, in order:
//
//   - perfect: the reader's own block is canonical, so jump to its twin;
//   - close: find the nearest canonical block around the reader and keep the same relative
//     distance from its twin;
//   - rough: keep the same fraction of progress through the book.
package position

import (
	"fmt"
	"math"

	"github.com/MarcoPoloResearchLab/ides/internal/content"
	"github.com/MarcoPoloResearchLab/ides/internal/errs"
)

// CloseMatchRadius bounds the close-match scan in each direction.
const CloseMatchRadius = 30

// Tier names the strategy that produced a Match.
type Tier string

const (
	TierInitial   Tier = "initial"
	TierUnchanged Tier = "unchanged"
	TierPerfect   Tier = "perfect"
	TierClose     Tier = "close"
	TierRough     Tier = "rough"
)

// Index is the ordered fingerprint list of one revision; the slice index is the sequence.
type Index struct {
	RevisionID   int64
	Fingerprints []content.Fingerprint
}

// Len returns the number of blocks in the revision.
func (idx Index) Len() int {
	return len(idx.Fingerprints)
}

// Match is a resolved position inside the target revision.
type Match struct {
	RevisionID  int64
	Sequence    int
	Fingerprint content.Fingerprint
	Tier        Tier
}

// Initial returns the first block of the revision.
func Initial(idx Index) (Match, error) {
	if idx.Len() == 0 {
		return Match{}, fmt.Errorf("%w: revision %d", errs.ErrEmptyRevision, idx.RevisionID)
	}
	return Match{
		RevisionID:  idx.RevisionID,
		Sequence:    0,
		Fingerprint: idx.Fingerprints[0],
		Tier:        TierInitial,
	}, nil
}

// Pair holds the canonical fingerprints between two revisions. Build it once per publish and
// share it across every reader being moved between the same two revisions.
type Pair struct {
	from      Index
	to        Index
	canonical map[content.Fingerprint]int
}

// NewPair computes the canonical fingerprint set for from → to.
func NewPair(from, to Index) (*Pair, error) {
	if to.Len() == 0 {
		return nil, fmt.Errorf("%w: revision %d", errs.ErrEmptyRevision, to.RevisionID)
	}

	fromCounts := countFingerprints(from)
	toCounts := countFingerprints(to)

	canonical := make(map[content.Fingerprint]int)
	for sequence, fingerprint := range to.Fingerprints {
		if toCounts[fingerprint] == 1 && fromCounts[fingerprint] == 1 {
			canonical[fingerprint] = sequence
		}
	}

	return &Pair{from: from, to: to, canonical: canonical}, nil
}

// CanonicalCount reports how many anchors the two revisions share.
func (p *Pair) CanonicalCount() int {
	return len(p.canonical)
}

// Remap resolves a position in the source revision. An empty fingerprint means "whatever block
// sits at fromSequence in the source revision".
func (p *Pair) Remap(fromSequence int, fingerprint content.Fingerprint) Match {
	if fingerprint == "" && fromSequence >= 0 && fromSequence < p.from.Len() {
		fingerprint = p.from.Fingerprints[fromSequence]
	}

	if p.from.RevisionID == p.to.RevisionID {
		return p.matchAt(clamp(fromSequence, 0, p.to.Len()-1), TierUnchanged)
	}

	if sequence, ok := p.canonical[fingerprint]; ok {
		return p.matchAt(sequence, TierPerfect)
	}

	if sequence, ok := p.closeMatch(fromSequence); ok {
		return p.matchAt(sequence, TierClose)
	}

	return p.matchAt(p.roughMatch(fromSequence), TierRough)
}

func (p *Pair) closeMatch(fromSequence int) (int, bool) {
	for distance := 1; distance <= CloseMatchRadius; distance++ {
		for _, anchorFrom := range [2]int{fromSequence - distance, fromSequence + distance} {
			if anchorFrom < 0 || anchorFrom >= p.from.Len() {
				continue
			}
			anchorTo, ok := p.canonical[p.from.Fingerprints[anchorFrom]]
			if !ok {
				continue
			}
			target := anchorTo + (fromSequence - anchorFrom)
			if target >= 0 && target < p.to.Len() {
				return target, true
			}
			return 0, false
		}
	}
	return 0, false
}

func (p *Pair) roughMatch(fromSequence int) int {
	if p.from.Len() <= 1 {
		return 0
	}
	ratio := float64(fromSequence) / float64(p.from.Len()-1)
	ratio = math.Max(0, math.Min(1, ratio))
	return int(math.Round(ratio * float64(p.to.Len()-1)))
}

func (p *Pair) matchAt(sequence int, tier Tier) Match {
	return Match{
		RevisionID:  p.to.RevisionID,
		Sequence:    sequence,
		Fingerprint: p.to.Fingerprints[sequence],
		Tier:        tier,
	}
}

func countFingerprints(idx Index) map[content.Fingerprint]int {
	counts := make(map[content.Fingerprint]int, idx.Len())
	for _, fingerprint := range idx.Fingerprints {
		counts[fingerprint]++
	}
	return counts
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

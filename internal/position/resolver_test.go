package position

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/ides/internal/content"
	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/stretchr/testify/require"
)

func indexOf(revisionID int64, contents ...string) Index {
	fingerprints := make([]content.Fingerprint, 0, len(contents))
	for _, value := range contents {
		fingerprints = append(fingerprints, content.FingerprintOf(value))
	}
	return Index{RevisionID: revisionID, Fingerprints: fingerprints}
}

func repeated(value string, count int) []string {
	values := make([]string, count)
	for i := range values {
		values[i] = value
	}
	return values
}

func numbered(prefix string, count int) []string {
	values := make([]string, count)
	for i := range values {
		values[i] = fmt.Sprintf("%s %d", prefix, i)
	}
	return values
}

func mustPair(t *testing.T, from, to Index) *Pair {
	t.Helper()
	pair, err := NewPair(from, to)
	require.NoError(t, err)
	return pair
}

func TestInitialReturnsFirstBlock(t *testing.T) {
	match, err := Initial(indexOf(7, "a", "b"))
	require.NoError(t, err)
	require.Equal(t, Match{RevisionID: 7, Sequence: 0, Fingerprint: content.FingerprintOf("a"), Tier: TierInitial}, match)

	_, err = Initial(Index{RevisionID: 8})
	require.True(t, errors.Is(err, errs.ErrEmptyRevision))
}

func TestNewPairRejectsEmptyTarget(t *testing.T) {
	_, err := NewPair(indexOf(1, "a"), Index{RevisionID: 2})
	require.ErrorIs(t, err, errs.ErrEmptyRevision)
}

func TestRemapPerfectMatchAcrossShiftedSequences(t *testing.T) {
	from := repeated("filler", 20)
	from[10] = "the unique paragraph"
	to := repeated("filler", 50)
	to[40] = "the unique paragraph"

	pair := mustPair(t, indexOf(1, from...), indexOf(2, to...))
	match := pair.Remap(10, content.FingerprintOf("the unique paragraph"))

	require.Equal(t, TierPerfect, match.Tier)
	require.Equal(t, 40, match.Sequence)
	require.Equal(t, int64(2), match.RevisionID)
}

func TestRemapIgnoresFingerprintRepeatedInEitherRevision(t *testing.T) {
	from := []string{"x", "dup", "y"}
	to := []string{"dup", "dup", "z"}

	pair := mustPair(t, indexOf(1, from...), indexOf(2, to...))
	match := pair.Remap(1, "")

	require.NotEqual(t, TierPerfect, match.Tier)
	require.Equal(t, 0, pair.CanonicalCount())
}

func TestRemapCloseMatchKeepsRelativeOffset(t *testing.T) {
	from := repeated("filler", 30)
	from[12] = "anchor"
	to := repeated("filler", 60)
	to[42] = "anchor"

	pair := mustPair(t, indexOf(1, from...), indexOf(2, to...))

	before := pair.Remap(10, "")
	require.Equal(t, TierClose, before.Tier)
	require.Equal(t, 40, before.Sequence)

	after := pair.Remap(15, "")
	require.Equal(t, TierClose, after.Tier)
	require.Equal(t, 45, after.Sequence)
}

func TestRemapCloseMatchPrefersNearestAnchor(t *testing.T) {
	from := numbered("old", 20)
	to := numbered("new", 20)
	from[5], to[8] = "near", "near"
	from[2], to[0] = "far", "far"

	pair := mustPair(t, indexOf(1, from...), indexOf(2, to...))
	match := pair.Remap(6, "")

	require.Equal(t, TierClose, match.Tier)
	require.Equal(t, 9, match.Sequence)
}

func TestRemapCloseMatchRespectsRadius(t *testing.T) {
	from := repeated("filler", 100)
	from[0] = "anchor"
	to := repeated("filler", 100)
	to[0] = "anchor"

	pair := mustPair(t, indexOf(1, from...), indexOf(2, to...))

	within := pair.Remap(CloseMatchRadius, "")
	require.Equal(t, TierClose, within.Tier)
	require.Equal(t, CloseMatchRadius, within.Sequence)

	beyond := pair.Remap(CloseMatchRadius+1, "")
	require.Equal(t, TierRough, beyond.Tier)
}

func TestRemapCloseMatchFallsThroughWhenTargetMissing(t *testing.T) {
	from := repeated("filler", 10)
	from[8] = "anchor"
	to := []string{"anchor", "other"}

	pair := mustPair(t, indexOf(1, from...), indexOf(2, to...))
	match := pair.Remap(2, "")

	require.Equal(t, TierRough, match.Tier)
	require.Equal(t, 0, match.Sequence)
}

func TestRemapRoughMatchBoundaries(t *testing.T) {
	pair := mustPair(t, indexOf(1, repeated("same", 11)...), indexOf(2, repeated("same", 31)...))

	start := pair.Remap(0, "")
	require.Equal(t, TierRough, start.Tier)
	require.Equal(t, 0, start.Sequence)

	end := pair.Remap(10, "")
	require.Equal(t, TierRough, end.Tier)
	require.Equal(t, 30, end.Sequence)

	middle := pair.Remap(5, "")
	require.Equal(t, 15, middle.Sequence)

	beyond := pair.Remap(99, "")
	require.Equal(t, 30, beyond.Sequence)
}

func TestRemapRoughMatchSingleBlockSource(t *testing.T) {
	pair := mustPair(t, indexOf(1, "same"), indexOf(2, repeated("same", 5)...))

	match := pair.Remap(0, "")
	require.Equal(t, TierRough, match.Tier)
	require.Equal(t, 0, match.Sequence)
}

func TestRemapSameRevisionIsUnchanged(t *testing.T) {
	idx := indexOf(3, "a", "b", "c")
	pair := mustPair(t, idx, idx)

	require.Equal(t, Match{RevisionID: 3, Sequence: 2, Fingerprint: content.FingerprintOf("c"), Tier: TierUnchanged}, pair.Remap(2, ""))
	require.Equal(t, 2, pair.Remap(9, "").Sequence)
}

func TestRemapExplicitFingerprintOverridesSequence(t *testing.T) {
	from := []string{"a", "b", "c", "d"}
	to := []string{"d", "c", "b", "a"}

	pair := mustPair(t, indexOf(1, from...), indexOf(2, to...))
	match := pair.Remap(0, content.FingerprintOf("c"))

	require.Equal(t, TierPerfect, match.Tier)
	require.Equal(t, 1, match.Sequence)
}

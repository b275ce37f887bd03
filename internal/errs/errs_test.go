package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistenceMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("revisions.persist", "block_insert_failed", cause)

	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "revisions.persist.block_insert_failed", CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	require.Empty(t, CodeOf(errors.New("plain")))
	require.Equal(t, "pager.view.missing_reader", New("pager.view", "missing_reader", nil).Error())
}

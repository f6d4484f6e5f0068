package errs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftforge/mongoconfigs/internal/errs"
)

func TestWrapReclassifiesOnlyCancellation(t *testing.T) {
	wrapped := errs.Wrap(errs.TransportFailure, context.Canceled)
	require.True(t, errs.Is(wrapped, errs.Canceled))
	require.False(t, errs.Is(wrapped, errs.TransportFailure))
}

func TestWrapLeavesDeadlineExceededAsGivenKind(t *testing.T) {
	wrapped := errs.Wrap(errs.TransportFailure, context.DeadlineExceeded)
	require.True(t, errs.Is(wrapped, errs.TransportFailure))
	require.False(t, errs.Is(wrapped, errs.Canceled))
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, errs.Wrap(errs.TransportFailure, nil))
}

func TestIsMatchesKindOfWrappedError(t *testing.T) {
	wrapped := errs.Wrap(errs.TransportFailure, errors.New("dial tcp: i/o timeout"))
	require.True(t, errs.Is(wrapped, errs.TransportFailure))
}

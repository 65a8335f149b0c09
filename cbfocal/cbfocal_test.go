package cbfocal_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/cbfocal/cbfocal"
)

func TestErrInvalidArgumentCoversMeters(t *testing.T) {
	err := cbfocal.NewAverageMeter().Update(1, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbfocal.ErrInvalidArgument), "got %v", err)

	err = cbfocal.NewTracker("loss").Update("loss", 1, -1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cbfocal.ErrInvalidArgument), "got %v", err)

	_, err = cbfocal.ClassWeights([]int{0}, 0.9)
	assert.True(t, errors.Is(err, cbfocal.ErrInvalidArgument), "got %v", err)
}

func TestGraphRejectsProbabilityFloor(t *testing.T) {
	l, err := cbfocal.New([]int{3, 1}, cbfocal.WithProbabilityFloor(0.1))
	require.NoError(t, err)
	_, err = cbfocal.Graph(l)
	assert.True(t, errors.Is(err, cbfocal.ErrInvalidArgument), "got %v", err)
}

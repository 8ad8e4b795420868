package clienttun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteSet_RestoreRunsLIFO(t *testing.T) {
	var order []int
	rs := &RouteSet{}
	for i := 0; i < 3; i++ {
		i := i
		rs.undo = append(rs.undo, func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, rs.Restore(context.Background()))
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestRouteSet_RestoreIsIdempotentAfterRunning(t *testing.T) {
	rs := &RouteSet{}
	calls := 0
	rs.undo = append(rs.undo, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, rs.Restore(context.Background()))
	require.NoError(t, rs.Restore(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestRouteSet_RestoreContinuesAfterFirstFailureAndReturnsIt(t *testing.T) {
	var ran []int
	rs := &RouteSet{}
	rs.undo = append(rs.undo,
		func(ctx context.Context) error { ran = append(ran, 0); return nil },
		func(ctx context.Context) error { ran = append(ran, 1); return assertErr{"boom"} },
		func(ctx context.Context) error { ran = append(ran, 2); return nil },
	)
	err := rs.Restore(context.Background())
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, []int{2, 1, 0}, ran)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

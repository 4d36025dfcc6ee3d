package handoff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScope_ReverseOrder(t *testing.T) {
	s := NewScope(zap.NewNop())
	var order []string
	for _, name := range []string{"buffer", "gpu import", "npu registration", "graph"} {
		name := name
		require.NoError(t, s.Defer(name, func() error {
			order = append(order, name)
			return nil
		}))
	}
	assert.Equal(t, 4, s.Len())

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"graph", "npu registration", "gpu import", "buffer"}, order)
	assert.Equal(t, 0, s.Len())

	// second close is a no-op
	require.NoError(t, s.Close())
	assert.Len(t, order, 4)
}

func TestScope_JoinsErrorsAndKeepsGoing(t *testing.T) {
	s := NewScope(nil)
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	ran := map[string]bool{}

	_ = s.Defer("a", func() error { ran["a"] = true; return errA })
	_ = s.Defer("b", func() error { ran["b"] = true; return nil })
	_ = s.Defer("c", func() error { ran["c"] = true; return errC })

	err := s.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, ran)
}

func TestScope_DeferAfterClose(t *testing.T) {
	s := NewScope(nil)
	require.NoError(t, s.Close())

	ran := false
	require.NoError(t, s.Defer("late", func() error { ran = true; return nil }))
	assert.True(t, ran)
}

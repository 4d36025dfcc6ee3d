package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	kinds := map[Kind]string{
		ResourceExhaustion:   "ResourceExhaustion",
		DeviceUnavailable:    "DeviceUnavailable",
		ImportRejected:       "ImportRejected",
		BuildFailure:         "BuildFailure",
		ExecutionFailure:     "ExecutionFailure",
		VerificationMismatch: "VerificationMismatch",
		SizeMismatch:         "SizeMismatch",
		StageTimeout:         "StageTimeout",
		OrderingViolation:    "OrderingViolation",
		InvalidArgument:      "InvalidArgument",
		Kind(99):             "Unknown",
	}
	for k, want := range kinds {
		assert.Equal(t, want, k.String())
	}
}

func TestWrapAndKindOf(t *testing.T) {
	base := errors.New("driver said no")
	err := Wrap(ImportRejected, "gpu.import", base, "buffer %d", 7)
	require.Error(t, err)

	assert.True(t, Is(err, ImportRejected))
	assert.False(t, Is(err, BuildFailure))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "gpu.import")
	assert.Contains(t, err.Error(), "buffer 7")

	// Kind survives further fmt wrapping.
	outer := fmt.Errorf("stage 2: %w", err)
	assert.Equal(t, ImportRejected, KindOf(outer))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(ExecutionFailure, "op", nil, "ignored"))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, ExecutionFailure))
}

func TestDetailOf(t *testing.T) {
	inner := WithDetail(BuildFailure, "gpu.build", "line 3: unknown kernel", "build rejected")
	outer := Wrap(BuildFailure, "stage.build", inner, "stage failed")

	assert.Equal(t, "line 3: unknown kernel", DetailOf(outer))
	assert.Equal(t, "", DetailOf(New(ExecutionFailure, "op", "x")))
}

package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbutlerapp/but-core/internal/errs"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := errs.New(errs.RequiresForce, "oplog.Restore", cause)

	assert.Equal(t, errs.RequiresForce, errs.KindOf(err))
	assert.True(t, errs.Is(err, errs.RequiresForce))
	assert.False(t, errs.Is(err, errs.NotFound))
	assert.ErrorIs(t, err, cause)
}

func TestKindOf_unwrapped(t *testing.T) {
	assert.Equal(t, errs.Unknown, errs.KindOf(errors.New("plain")))
	assert.Equal(t, errs.Unknown, errs.KindOf(nil))
}

func TestNew_nilErr(t *testing.T) {
	require.Nil(t, errs.New(errs.NotFound, "op", nil))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		kind Kind
		code int
	}{
		{errs.RequiresForce, 2},
		{errs.WorkspaceConflict, 3},
		{errs.NotFound, 4},
		{errs.InvalidPlan, 1},
		{errs.Unknown, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.kind.ExitCode(), tt.kind.String())
	}
}

type Kind = errs.Kind

func TestWithRemediation(t *testing.T) {
	err := errs.New(errs.InvalidPlan, "rebase.Plan", errors.New("bad step")).
		WithRemediation("remove the offending step")

	assert.Contains(t, err.Error(), "remove the offending step")
}

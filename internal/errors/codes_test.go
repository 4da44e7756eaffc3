package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"nil", nil, codes.OK},
		{"revision mismatch", RevisionMismatch("user", "1", 2, nil), codes.Aborted},
		{"forbidden", ForbiddenWrite("user", "1"), codes.PermissionDenied},
		{"dangling", DanglingLinks("user", "1"), codes.FailedPrecondition},
		{"unsupported", Unsupported("link", "ticket"), codes.Unimplemented},
		{"multiple", MultipleResults("user", 2), codes.FailedPrecondition},
		{"retry exhausted", RetryExhausted("batch write", 20, nil), codes.Unavailable},
		{"wrapped", fmt.Errorf("put: %w", ForbiddenWrite("user", "1")), codes.PermissionDenied},
		{"plain", fmt.Errorf("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToGRPCStatus(tt.err).Code())
		})
	}
}

func TestKindHelpers(t *testing.T) {
	cause := fmt.Errorf("condition failed")
	err := fmt.Errorf("bulk put: %w", RevisionMismatch("user", "1", 3, cause))

	assert.True(t, IsEntityError(err))
	assert.True(t, IsRevisionMismatch(err))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsForbiddenWrite(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("other")))
	assert.Equal(t, ErrCodeOK, GetCode(nil))

	forbidden := ForbiddenWrite("user", "1")
	assert.False(t, IsRetryable(forbidden))
	assert.Equal(t, "user", forbidden.Details["type"])
	assert.Contains(t, DanglingLinks("user", "7").Error(), "dangling links")
}

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("accept: %w", NotAMemberError())

	assert.True(t, HasCode(err, ErrCodeNotAMember))
	assert.False(t, HasCode(err, ErrCodeCallNotFound))
	assert.False(t, HasCode(stderrors.New("plain"), ErrCodeNotAMember))
	assert.True(t, IsAppError(err))
}

func TestGetAppError(t *testing.T) {
	appErr := GetAppError(fmt.Errorf("wrapped: %w", CallNotFoundError()))
	assert.Equal(t, ErrCodeCallNotFound, appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.StatusCode)

	plain := GetAppError(stderrors.New("boom"))
	assert.Equal(t, ErrCodeInternal, plain.Code)
	assert.Equal(t, http.StatusInternalServerError, plain.StatusCode)
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := MediaUnavailableError("camera", stderrors.New("permission denied"))

	assert.Contains(t, err.Error(), "MEDIA_UNAVAILABLE")
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, http.StatusServiceUnavailable, err.StatusCode)
	assert.ErrorIs(t, err, err.Err)
}

func TestGenericConstructorsCarryStatus(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{UnauthorizedError("no token"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{ForbiddenError("origin"), ErrCodeForbidden, http.StatusForbidden},
		{ConflictError("closed"), ErrCodeConflict, http.StatusConflict},
		{ServiceUnavailableError("full"), ErrCodeServiceUnavail, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.status, tt.err.StatusCode)
	}
}

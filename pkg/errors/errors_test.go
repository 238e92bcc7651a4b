package errors_test

import (
	"fmt"
	"net/http"
	"testing"

	apperrors "castrelay/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestAppError_ErrorString(t *testing.T) {
	err := apperrors.NewSessionNotFoundError("ABC234")
	assert.Equal(t, "SESSION_NOT_FOUND: no active session for code ABC234", err.Error())

	wrapped := apperrors.WrapError(fmt.Errorf("dial refused"), apperrors.ErrCodeInternal, "boom", http.StatusInternalServerError)
	assert.Contains(t, wrapped.Error(), "caused by: dial refused")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := apperrors.WrapError(cause, apperrors.ErrCodeProcessFailure, "capture died", http.StatusInternalServerError)
	assert.Equal(t, cause, err.Unwrap())
}

func TestConstructors_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, apperrors.NewSessionNotFoundError("ABC234").HTTPStatus)
	assert.Equal(t, http.StatusConflict, apperrors.NewSessionConflictError("busy").HTTPStatus)
	assert.Equal(t, http.StatusConflict, apperrors.NewRoleUnavailableError("sharer taken").HTTPStatus)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.NewCaptureUnavailableError("no ffmpeg").HTTPStatus)
	assert.Equal(t, http.StatusBadRequest, apperrors.NewInvalidInputError("bad code").HTTPStatus)
}

func TestGetAppError_WalksChain(t *testing.T) {
	app := apperrors.NewSessionConflictError("busy")
	wrapped := fmt.Errorf("create session: %w", app)

	got := apperrors.GetAppError(wrapped)
	assert.NotNil(t, got)
	assert.Equal(t, apperrors.ErrCodeSessionConflict, got.Code)

	assert.Nil(t, apperrors.GetAppError(fmt.Errorf("plain")))
	assert.Nil(t, apperrors.GetAppError(nil))
}

func TestWithContext(t *testing.T) {
	err := apperrors.NewProcessFailureError("exited").WithContext("code", "ABC234")
	assert.Equal(t, "ABC234", err.Context["code"])
}

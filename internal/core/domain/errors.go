package domain

import "errors"

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionConflict        = errors.New("session of a conflicting kind is already active")
	ErrRoleUnavailable        = errors.New("sharer role already taken")
	ErrCaptureToolUnavailable = errors.New("capture tool not available")
	ErrProcessFailure         = errors.New("capture process exited unexpectedly")
	ErrTunnelUnavailable      = errors.New("tunnel unavailable")
)

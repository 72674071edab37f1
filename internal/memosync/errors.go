package memosync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrPermission        = errors.New("permission denied")
	ErrUpstream          = errors.New("upstream failure")
	ErrWatermarkMoved    = errors.New("watermark moved")
	ErrWatermarkConflict = errors.New("watermark conflict")
	ErrStaleWrite        = errors.New("stale write")
	ErrExternalRefSet    = errors.New("external reference already set")
	ErrLinkCodeExpired   = errors.New("link code expired")
	ErrNotLinked         = errors.New("chat account not linked")
	ErrTooManyAttempts   = errors.New("too many failed attempts")
	ErrQueueFull         = errors.New("queue full")
	ErrNotImplemented    = errors.New("not implemented")
)

// UpstreamError wraps a failure reported by the summarizer or the mirror.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return e.Service + ": upstream failure"
	}
	return e.Service + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// StaleWriteError reports a local edit that lost to a newer watermark.
type StaleWriteError struct {
	Attempted Millis
	Current   Millis
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write: attempted %s, current watermark %s", e.Attempted, e.Current)
}

func (e *StaleWriteError) Is(target error) bool {
	return target == ErrStaleWrite
}

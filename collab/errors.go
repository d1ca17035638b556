package collab

import (
	"errors"
	"fmt"
)

// errors.go provides all custom error types for the collab package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for the http api
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
)

// used for the realtime channel
var (
	ErrChannelClosed  = errors.New("channel closed")
	ErrNotConnected   = errors.New("channel not connected")
	ErrEmitBufferFull = errors.New("emit buffer full")
)

// used for the sync client
var (
	ErrEditNotPermitted = errors.New("edit not permitted")
	ErrSyncClosed       = errors.New("sync closed")
	ErrSyncNotReady     = errors.New("sync not ready")
	ErrRoomJoin         = errors.New("room join failed")
)

// used for the session client
var (
	ErrSessionExpired = errors.New("session expired")
	ErrNoSession      = errors.New("no active session")
)

// HttpError carries the status code and server message of a non-2xx response.
// A 403 on a codespace additionally carries the owner username from the body.
type HttpError struct {
	StatusCode int
	Message    string
	Owner      string
}

func (self *HttpError) Error() string {
	if self.Message != "" {
		return fmt.Sprintf("http %d: %s", self.StatusCode, self.Message)
	}
	return fmt.Sprintf("http %d", self.StatusCode)
}

func (self *HttpError) Unwrap() error {
	switch self.StatusCode {
	case 401:
		return ErrUnauthorized
	case 403:
		return ErrAccessDenied
	case 404:
		return ErrNotFound
	}
	return nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

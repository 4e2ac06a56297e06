package room

import "errors"

var (
	// ErrRoomNotFound is returned when the room has never been created.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNameTaken rejects a join whose name is held by a connected participant.
	ErrNameTaken = errors.New("name taken")
	// ErrPersistence wraps store failures surfaced to the caller.
	ErrPersistence = errors.New("persistence failure")
	// ErrClosed is returned by a coordinator that has been evicted or stopped.
	ErrClosed = errors.New("room coordinator closed")
)

package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotStarted is returned when an operation needs a running node
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("node already started")

	// ErrShutdown is returned after Shutdown has been called
	ErrShutdown = errors.New("node is shut down")

	// ErrNoHandler is returned when no storage handler serves a record type
	ErrNoHandler = errors.New("no storage handler for type")

	// ErrNotListable is returned when a storage handler cannot enumerate its keys
	ErrNotListable = errors.New("storage handler cannot list keys")

	// ErrUnexpectedReply is returned when a peer answers with the wrong message kind
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrRequestTimeout is returned when a request gets no reply in time
	ErrRequestTimeout = errors.New("request timed out")
)

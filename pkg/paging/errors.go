package paging

import "errors"

var (
	// ErrConstruction reports an invalid request; nothing was registered or sent.
	ErrConstruction = errors.New("paging: invalid request")
	// ErrProtocol reports an out-of-order page or a node that ignored
	// backpressure.
	ErrProtocol = errors.New("paging: protocol violation")
	// ErrDecode reports a page whose rows could not be materialized.
	ErrDecode = errors.New("paging: page decode failed")
	// ErrTimeout reports an elapsed global, page or revise timeout.
	ErrTimeout = errors.New("paging: request timed out")
	// ErrCancelled is returned by every fetch after Cancel.
	ErrCancelled = errors.New("paging: request cancelled")
	// ErrNoMorePages is returned once the last page has been consumed.
	ErrNoMorePages = errors.New("paging: no more pages")
	// ErrTerminated is returned after a failure was already reported.
	ErrTerminated = errors.New("paging: request already terminated")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("paging: request already started")
)

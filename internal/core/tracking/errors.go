package tracking

import "errors"

var (
	// ErrUnknownDocument means a producer call named a URI with no live document.
	ErrUnknownDocument = errors.New("unknown document")
	// ErrAlreadyTracked means a second open arrived for a live URI, which points
	// at a reference counting defect in the caller.
	ErrAlreadyTracked = errors.New("document already tracked")
	// ErrUnknownConsumer means the consumer id was never registered or has been
	// unregistered.
	ErrUnknownConsumer = errors.New("unknown consumer")

	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrInvalidRange     = errors.New("text range out of bounds")
)

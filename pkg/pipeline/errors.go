package pipeline

import (
	"errors"

	"github.com/illmade-knight/go-renderflow/pkg/cachestore"
	"github.com/illmade-knight/go-renderflow/pkg/fingerprint"
)

var (
	// ErrUpstreamEmptyResult indicates the image-generation collaborator
	// returned no usable asset reference. Fatal for the invocation,
	// retryable by the caller.
	ErrUpstreamEmptyResult = errors.New("upstream returned no usable asset")
	// ErrUpstreamTransport indicates a network or timeout failure talking to
	// an external collaborator. Retryable.
	ErrUpstreamTransport = errors.New("upstream transport failure")
	// ErrPersist indicates the durable storage write (or the fetch feeding
	// it) failed. Retryable.
	ErrPersist = errors.New("persist failed")
)

// ErrorKind maps a pipeline failure to its stable, caller-facing kind.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, fingerprint.ErrSerialization):
		return "SerializationError"
	case errors.Is(err, ErrUpstreamEmptyResult):
		return "UpstreamEmptyResult"
	case errors.Is(err, ErrUpstreamTransport):
		return "UpstreamTransportError"
	case errors.Is(err, ErrPersist):
		return "PersistError"
	case errors.Is(err, cachestore.ErrCacheWrite):
		return "CacheWriteError"
	case errors.Is(err, cachestore.ErrInvalidArgument):
		return "InvalidArgument"
	default:
		return "InternalError"
	}
}

package core

// Shared error kinds for the node core. Subsystems return these so callers
// can branch on the kind (fallback paths, HTTP status mapping) instead of
// string matching.

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing artifact, log entry or provider.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID reports a transparency-log addition whose
	// package-specific artifact id was already admitted.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotSigned reports a verify call on a payload without signatures.
	ErrNotSigned = errors.New("payload is not signed")

	// ErrNoValidSignatures reports that every attached signature failed
	// verification.
	ErrNoValidSignatures = errors.New("no valid signatures")

	// ErrChannelClosed reports that the orchestrating loop went away while
	// an operation was pending.
	ErrChannelClosed = errors.New("command channel closed")

	ErrInvalidBlock = errors.New("invalid block")
)

// HashMismatchError is returned by the artifact store when streamed content
// does not digest to the expected hash. The temp file has been removed by
// the time the caller sees this.
type HashMismatchError struct {
	Expected Hash
	Actual   Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, actual %s", e.Expected, e.Actual)
}

// InvalidHashError is returned by transparency-log verification when a blob
// does not match the admitted artifact hash.
type InvalidHashError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("hash verification failed for %s: %s vs %s", e.ID, e.Expected, e.Actual)
}

// PipelineError carries the HTTP status of a failed build-pipeline call.
type PipelineError struct {
	Status int
	Body   string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("build pipeline returned status %d: %s", e.Status, e.Body)
}

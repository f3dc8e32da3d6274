// Package errors provides structured error handling for chroniclevault.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeNotFound indicates an absent snapshot, chunk, or image.
	CodeNotFound Code = "NOT_FOUND"

	// CodeCapacity indicates the snapshot store rejected a write because its
	// quota is exhausted. Callers must be able to tell this apart from other
	// write failures so they can react (for example, suggest an export)
	// instead of silently losing data.
	CodeCapacity Code = "CAPACITY_EXCEEDED"

	// CodeMalformedRecord indicates a stored record failed to parse.
	CodeMalformedRecord Code = "MALFORMED_RECORD"

	// CodePreconditionFailed indicates an operation could not start:
	// an archive without a locatable root snapshot, or a storage root
	// the process has no access to.
	CodePreconditionFailed Code = "PRECONDITION_FAILED"

	// CodeInternal indicates an unexpected storage or encoding failure.
	CodeInternal Code = "INTERNAL"
)

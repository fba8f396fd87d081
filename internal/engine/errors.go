package engine

import "errors"

// Typed errors returned by the collaboration core. Callers match with
// errors.Is; wrapped variants carry the offending position or range.
var (
	// ErrInvalidPosition means a line/column lies outside the current
	// content bounds.
	ErrInvalidPosition = errors.New("position outside document bounds")

	// ErrInvalidRange means a Delete/Replace was constructed with
	// start > end.
	ErrInvalidRange = errors.New("range start exceeds range end")

	// ErrOperationConflict means a conflict could not be resolved
	// automatically and no manual resolution was supplied, or the
	// manual-resolution queue is full.
	ErrOperationConflict = errors.New("unresolved operation conflict")

	// ErrTransformationError means a transform precondition was violated,
	// typically an operation addressing positions outside the document.
	ErrTransformationError = errors.New("operation transformation failed")

	// ErrDocumentNotFound means no document exists for the given ID.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrVersionNotFound means the requested version number, branch or
	// tag does not exist in version history.
	ErrVersionNotFound = errors.New("version not found")

	// ErrTagExists means a tag with the given name was already created.
	// Tags are write-once pointers.
	ErrTagExists = errors.New("tag already exists")

	// ErrConflictNotFound means no conflict exists for the given ID.
	ErrConflictNotFound = errors.New("conflict not found")
)

package va

import "errors"

// Domain errors for the va package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, va.ErrOutOfRange) {
//	    // value rejected, the VA still holds its previous value
//	}
var (
	// ErrType is returned when a value of the wrong underlying type is written
	// (for example a float to an integer VA).
	ErrType = errors.New("va: wrong value type")

	// ErrOutOfRange is returned when a value falls outside a continuous range.
	ErrOutOfRange = errors.New("va: value out of range")

	// ErrNotInChoices is returned when a value is not one of the allowed choices.
	ErrNotInChoices = errors.New("va: value not in choices")

	// ErrInvalidValue is returned when a value is rejected for another reason
	// (wrong tuple length, refused by a custom setter, inconsistent range).
	ErrInvalidValue = errors.New("va: invalid value")

	// ErrReadOnly is returned when writing to a read-only VA.
	ErrReadOnly = errors.New("va: read-only")
)

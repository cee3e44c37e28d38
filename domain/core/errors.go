package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound         = errors.New("resource not found")
	ErrRunNotFound      = fmt.Errorf("%w: run", ErrNotFound)
	ErrArtifactNotFound = fmt.Errorf("%w: artifact", ErrNotFound)
	ErrSubjectNotFound  = fmt.Errorf("%w: subject", ErrNotFound)
	ErrVariableNotFound = fmt.Errorf("%w: variable", ErrNotFound)

	// Validation errors
	ErrMissingValue         = errors.New("unexpected missing value")
	ErrUnknownExposureLevel = errors.New("exposure category outside defined levels")
	ErrDegeneratePropensity = errors.New("degenerate propensity estimate")
	ErrIncompleteCase       = errors.New("incomplete case where complete cases required")
	ErrInsufficientData     = errors.New("insufficient data for analysis")
	ErrNonConvergence       = errors.New("estimation failed to converge")

	// Determinism errors
	ErrSeedMismatch = errors.New("seed mismatch")
	ErrHashMismatch = errors.New("hash mismatch")
)

// NewNotFoundError creates a not-found error with resource context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, resource, id)
}

// NewDegeneratePropensityError names the offending subject and probability
func NewDegeneratePropensityError(subject SubjectID, p float64) error {
	return fmt.Errorf("%w: subject %s has probability %g", ErrDegeneratePropensity, subject, p)
}

// NewMissingValueError names the subject and variable with unexpected missingness
func NewMissingValueError(subject SubjectID, variable VariableKey) error {
	return fmt.Errorf("%w: subject %s variable %s", ErrMissingValue, subject, variable)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing index or resource.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest signals malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDimensionMismatch signals a vector whose length disagrees with the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrZeroVector signals a vector with zero L2 norm, which cannot be normalized.
	ErrZeroVector = errors.New("zero vector")
	// ErrConfigMismatch signals that persisted index metadata disagrees with the caller.
	ErrConfigMismatch = errors.New("index config mismatch")
	// ErrPersistence signals a disk read or write failure of the index store.
	ErrPersistence = errors.New("index persistence error")

	// ErrProviderUnavailable signals an embedding or rerank provider failure or timeout.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrAllProvidersUnavailable signals that no index could be searched for a query.
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
	// ErrUnsupportedInput signals a provider asked to embed a modality it does not accept.
	ErrUnsupportedInput = errors.New("unsupported input")
)

// DimensionMismatchError wraps ErrDimensionMismatch with the offending lengths.
type DimensionMismatchError struct {
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: got %d, want %d", ErrDimensionMismatch.Error(), e.Got, e.Want)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// NewDimensionMismatch creates a dimension mismatch error.
func NewDimensionMismatch(got, want int) error {
	return &DimensionMismatchError{Got: got, Want: want}
}

// ConfigMismatchError wraps ErrConfigMismatch with the field that disagrees.
type ConfigMismatchError struct {
	Index     string
	Field     string
	Persisted string
	Expected  string
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("%s: index %q %s is %q, expected %q",
		ErrConfigMismatch.Error(), e.Index, e.Field, e.Persisted, e.Expected)
}

func (e *ConfigMismatchError) Unwrap() error { return ErrConfigMismatch }

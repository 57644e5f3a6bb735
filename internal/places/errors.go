package places

import (
	"errors"
	"fmt"
)

// ErrCheckpointClosed is returned when writing to a closed checkpoint store.
var ErrCheckpointClosed = errors.New("checkpoint store closed")

// SetupError aborts a run before any item is processed.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ResolutionError reports that one entry could not be resolved.
type ResolutionError struct {
	Ref    string
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %q: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %q: %s", e.Ref, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// NavigationError reports that a detail page failed to load.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// IsSetupError reports whether err is (or wraps) a SetupError.
func IsSetupError(err error) bool {
	var setupErr *SetupError
	return errors.As(err, &setupErr)
}

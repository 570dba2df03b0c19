package access

import (
	"errors"
	"fmt"
)

// ErrMalformedManifest is returned by the action manifest loaders when the
// manifest is missing, unreadable or cannot be parsed.
var ErrMalformedManifest = errors.New("malformed action manifest")

// DataAccessError reports a failed storage query. The engine never turns it
// into an allow or deny decision; callers decide how to respond.
type DataAccessError struct {
	Op  string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("access: %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// IsDataAccessError reports whether err wraps a *DataAccessError.
func IsDataAccessError(err error) bool {
	var dae *DataAccessError
	return errors.As(err, &dae)
}

func dataAccess(op string, err error) error {
	if err == nil {
		return nil
	}
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &DataAccessError{Op: op, Err: err}
}

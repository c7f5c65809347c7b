package errdefs

// causer is implemented by errors that wrap another error under a `Cause`
// accessor instead of (or in addition to) `Unwrap`. Some callers still
// produce errors this way; getImplementer walks both conventions.
type causer interface {
	Cause() error
}

// implementsKnown reports whether err itself (not its chain) implements
// one of this package's error interfaces.
func implementsKnown(err error) bool {
	switch err.(type) {
	case
		ErrNotFound,
		ErrInvalidParameter,
		ErrConflict,
		ErrUnauthorized,
		ErrUnavailable,
		ErrForbidden,
		ErrSystem,
		ErrNotModified,
		ErrNotImplemented,
		ErrUnknown,
		ErrCancelled,
		ErrDeadline,
		ErrDataLoss,
		ErrResourceExhausted:
		return true
	default:
		return false
	}
}

// getImplementer returns the first error in err's chain - following
// Unwrap (including the multi-error form used by errors.Join) and Cause -
// that implements one of the interfaces in this package. Chains that
// fork (errors.Join) are searched depth-first in argument order, and the
// first implementer found anywhere in the fork wins, even if it isn't an
// implementer of the specific interface the caller ends up asserting
// against - mirroring how a single linear chain only ever exposes one
// "cause" to an Is* check. If no error in the chain implements anything
// here, err itself is returned so a type assertion against it simply
// fails.
func getImplementer(err error) error {
	if err == nil {
		return nil
	}
	if implementsKnown(err) {
		return err
	}

	switch e := err.(type) {
	case causer:
		if impl := getImplementer(e.Cause()); implementsKnown(impl) {
			return impl
		}
	case interface{ Unwrap() error }:
		if impl := getImplementer(e.Unwrap()); implementsKnown(impl) {
			return impl
		}
	case interface{ Unwrap() []error }:
		for _, sub := range e.Unwrap() {
			if impl := getImplementer(sub); implementsKnown(impl) {
				return impl
			}
		}
	}
	return err
}

// IsNotFound returns true if the error is due to a missing object.
func IsNotFound(err error) bool {
	_, ok := getImplementer(err).(ErrNotFound)
	return ok
}

// IsInvalidParameter returns true if the error is due to an invalid value.
func IsInvalidParameter(err error) bool {
	_, ok := getImplementer(err).(ErrInvalidParameter)
	return ok
}

// IsConflict returns true if the error is due to a conflict with existing state.
func IsConflict(err error) bool {
	_, ok := getImplementer(err).(ErrConflict)
	return ok
}

// IsUnauthorized returns true if the error is due to an authorization failure.
func IsUnauthorized(err error) bool {
	_, ok := getImplementer(err).(ErrUnauthorized)
	return ok
}

// IsUnavailable returns true if the error signals unavailability.
func IsUnavailable(err error) bool {
	_, ok := getImplementer(err).(ErrUnavailable)
	return ok
}

// IsForbidden returns true if the error is due to a forbidden action.
func IsForbidden(err error) bool {
	_, ok := getImplementer(err).(ErrForbidden)
	return ok
}

// IsSystem returns true if the error is due to an internal/system failure.
func IsSystem(err error) bool {
	_, ok := getImplementer(err).(ErrSystem)
	return ok
}

// IsNotModified returns true if the error is due to there being nothing to do.
func IsNotModified(err error) bool {
	_, ok := getImplementer(err).(ErrNotModified)
	return ok
}

// IsNotImplemented returns true if the error is due to an unsupported feature.
func IsNotImplemented(err error) bool {
	_, ok := getImplementer(err).(ErrNotImplemented)
	return ok
}

// IsUnknown returns true if the error type is unknown.
func IsUnknown(err error) bool {
	_, ok := getImplementer(err).(ErrUnknown)
	return ok
}

// IsCancelled returns true if the action was cancelled.
func IsCancelled(err error) bool {
	_, ok := getImplementer(err).(ErrCancelled)
	return ok
}

// IsDeadline returns true if the action exceeded its deadline.
func IsDeadline(err error) bool {
	_, ok := getImplementer(err).(ErrDeadline)
	return ok
}

// IsDataLoss returns true if data was lost or corrupted.
func IsDataLoss(err error) bool {
	_, ok := getImplementer(err).(ErrDataLoss)
	return ok
}

// IsResourceExhausted returns true if a resource allocation failed.
func IsResourceExhausted(err error) bool {
	_, ok := getImplementer(err).(ErrResourceExhausted)
	return ok
}

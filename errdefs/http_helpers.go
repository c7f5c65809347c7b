package errdefs

import "net/http"

// FromStatusCode creates an error based on the provided HTTP status code,
// wrapping the original error. This is used when xdpmux's pinned-state
// diagnostics are surfaced through an HTTP API layered on top of this
// library, the way moby's own daemon API does for its own errdefs.
func FromStatusCode(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		err = NotFound(err)
	case http.StatusBadRequest:
		err = InvalidParameter(err)
	case http.StatusConflict:
		err = Conflict(err)
	case http.StatusUnauthorized:
		err = Unauthorized(err)
	case http.StatusServiceUnavailable:
		err = Unavailable(err)
	case http.StatusForbidden:
		err = Forbidden(err)
	case http.StatusNotModified:
		err = NotModified(err)
	case http.StatusNotImplemented:
		err = NotImplemented(err)
	case http.StatusInternalServerError:
		if !IsSystem(err) && !IsUnknown(err) && !IsDataLoss(err) && !IsDeadline(err) && !IsCancelled(err) {
			err = System(err)
		}
	default:
		switch {
		case statusCode >= 200 && statusCode < 400:
			// it's not an error
		case statusCode >= 400 && statusCode < 500:
			err = InvalidParameter(err)
		case statusCode >= 500 && statusCode < 600:
			err = System(err)
		default:
			err = Unknown(err)
		}
	}
	return err
}

// ToStatusCode returns the best-matching HTTP status code for an error
// produced by this package, defaulting to 500 for unrecognized errors.
func ToStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch getImplementer(err).(type) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidParameter:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotModified:
		return http.StatusNotModified
	case ErrNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

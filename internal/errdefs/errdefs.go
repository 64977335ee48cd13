// Package errdefs defines the error categories kiln reports to its callers.
//
// User errors (missing instances or images, ambiguous filters, absent host
// capabilities, bad identifiers) are wrapped around one of the sentinels
// below with fmt.Errorf("...: %w", ...), so callers can test for them with
// errors.Is. Errors coming back from libvirt are left as they are and
// surface verbatim.
package errdefs

import "errors"

var (
	// ErrNotFound reports a missing instance, volume or metadata record.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports an instance name that is already defined.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoImageFound reports that no local image matched the filters.
	ErrNoImageFound = errors.New("no images found that match filters")

	// ErrAmbiguousImage reports that more than one local image matched.
	ErrAmbiguousImage = errors.New("multiple images found that match filters")

	// ErrInvalidIdentifier reports a volume or metadata name that does not
	// decode to a (product, version) pair.
	ErrInvalidIdentifier = errors.New("identifier cannot be parsed for simplestreams identity")

	// ErrCapability reports a host capability kiln needs but cannot find.
	ErrCapability = errors.New("host capability unavailable")

	// ErrInvalidState reports an instance that is not in a state the
	// operation supports, such as waiting on a stopped domain.
	ErrInvalidState = errors.New("invalid instance state")

	// ErrTimeout reports a readiness wait that ran out of time.
	ErrTimeout = errors.New("timed out")

	// ErrInsecure is the trust error: a secure channel needed verified
	// host key material that was unavailable, and insecure access was not
	// requested.
	ErrInsecure = errors.New("ssh public host key not found")

	// ErrCatalogShape reports a catalog item that does not have the
	// expected structure. Sync aborts when it sees one.
	ErrCatalogShape = errors.New("unexpected catalog item")
)

var userErrors = []error{
	ErrNotFound,
	ErrAlreadyExists,
	ErrNoImageFound,
	ErrAmbiguousImage,
	ErrInvalidIdentifier,
	ErrCapability,
	ErrInvalidState,
	ErrTimeout,
	ErrInsecure,
}

// IsUserError reports whether err should be reflected back to the user as
// a plain message rather than treated as an internal failure.
func IsUserError(err error) bool {
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTrustError reports whether err is the insecure-channel trust error.
func IsTrustError(err error) bool {
	return errors.Is(err, ErrInsecure)
}

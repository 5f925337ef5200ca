package suballoc

import "github.com/pkg/errors"

// ErrorKind classifies the failures the core can produce, independent of the low-level
// graphics API's own result codes. Callers that need to branch on failure class should use
// KindOf rather than string matching.
type ErrorKind uint32

const (
	// ErrorKindInvalidArgument indicates malformed caller input: zero size, incompatible
	// option combinations, an invalid memory type index, or a non-power-of-two alignment.
	ErrorKindInvalidArgument ErrorKind = iota + 1
	// ErrorKindOutOfDeviceMemory indicates the request could not be satisfied: budget
	// exceeded, or every block list was full and growth was denied.
	ErrorKindOutOfDeviceMemory
	// ErrorKindMapFailure indicates the device rejected a map call.
	ErrorKindMapFailure
	// ErrorKindFeatureNotPresent indicates no memory type matched the requested properties.
	ErrorKindFeatureNotPresent
	// ErrorKindDriverError is a passthrough of an unexpected status from the graphics API.
	ErrorKindDriverError
	// ErrorKindValidationFailure indicates an internal invariant was violated. These should
	// only ever surface from debug builds.
	ErrorKindValidationFailure
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindInvalidArgument:   "InvalidArgument",
	ErrorKindOutOfDeviceMemory: "OutOfDeviceMemory",
	ErrorKindMapFailure:        "MapFailure",
	ErrorKindFeatureNotPresent: "FeatureNotPresent",
	ErrorKindDriverError:       "DriverError",
	ErrorKindValidationFailure: "ValidationFailure",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "UnknownErrorKind"
}

type kindedError struct {
	kind ErrorKind
	err  error
}

func (e *kindedError) Error() string { return e.err.Error() }
func (e *kindedError) Cause() error  { return e.err }
func (e *kindedError) Unwrap() error { return e.err }

// NewError builds an error tagged with the given ErrorKind, retrievable later with KindOf.
func NewError(kind ErrorKind, message string) error {
	return &kindedError{kind: kind, err: errors.New(message)}
}

// NewErrorf is NewError with Printf-style formatting.
func NewErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &kindedError{kind: kind, err: errors.Errorf(format, args...)}
}

// WrapError annotates err with a message and tags it with kind, preserving the original
// error in the chain for errors.Is/errors.As.
func WrapError(kind ErrorKind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &kindedError{kind: kind, err: errors.Wrap(err, message)}
}

// KindOf walks the error chain looking for a kind tag attached by NewError/WrapError. It
// returns false if the error (or anything it wraps) was never tagged.
func KindOf(err error) (ErrorKind, bool) {
	for err != nil {
		if ke, ok := err.(*kindedError); ok {
			return ke.kind, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return 0, false
}

// PowerOfTwoError is returned from CheckPow2 (or wrapped by it) when the tested number is not
// a power of two.
var PowerOfTwoError error = errors.New("number must be a power of two")

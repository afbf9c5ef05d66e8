package archive

import "fmt"

// Kind classifies a reader failure. Every error surfaced by the readers
// carries exactly one Kind.
type Kind int

const (
	// KindOther is an uncategorized failure, typically plain I/O.
	KindOther Kind = iota
	// KindInvalidSignature means the magic bytes do not match the expected
	// archive kind.
	KindInvalidSignature
	// KindUnsupportedVersion means the archive version byte disagrees with
	// the version this reader was built for.
	KindUnsupportedVersion
	// KindInvalidArchive means a record is malformed in a way that is not a
	// short read, e.g. a reference index past the reference table.
	KindInvalidArchive
	// KindTruncated means a short read against a declared length: a record
	// prefix, partition payload, header, string payload or index entry.
	KindTruncated
	// KindDecompressionFailed means the external block decompressor reported
	// failure.
	KindDecompressionFailed
	// KindIndexMissing means Jump was called on an archive without an index,
	// or no index entry matched the target.
	KindIndexMissing
	// KindInternalState means a method was called in the wrong state, e.g.
	// LoadNextRead on a reader that was never opened.
	KindInternalState
	// KindOutOfMemory means a scratch buffer could not grow to a declared
	// size.
	KindOutOfMemory
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSignature:
		return "invalid signature"
	case KindUnsupportedVersion:
		return "unsupported version"
	case KindInvalidArchive:
		return "invalid archive"
	case KindTruncated:
		return "truncated"
	case KindDecompressionFailed:
		return "decompression failed"
	case KindIndexMissing:
		return "index missing"
	case KindInternalState:
		return "internal state"
	case KindOutOfMemory:
		return "out of memory"
	}
	return "other"
}

// Error is the tagged error type surfaced by the readers. Path names the
// archive, and Record/Partition carry the read and partition indices at the
// point of failure when they are known (-1 otherwise).
type Error struct {
	Kind      Kind
	Path      string
	Record    int64
	Partition int64
	Err       error
	msg       string
}

func (e *Error) Error() string {
	s := e.msg
	if e.Path != "" {
		s = e.Path + ": " + s
	}
	if e.Record >= 0 {
		s = fmt.Sprintf("%s (read %d)", s, e.Record)
	}
	if e.Partition >= 0 {
		s = fmt.Sprintf("%s (partition %d)", s, e.Partition)
	}
	if e.Err != nil {
		s = s + ": " + e.Err.Error()
	}
	return s
}

// Cause returns the underlying error, following the pkg/errors convention.
func (e *Error) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with no underlying cause.
func Errorf(kind Kind, path string, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Path:      path,
		Record:    -1,
		Partition: -1,
		msg:       fmt.Sprintf(format, args...),
	}
}

// Wrapf builds an *Error around an underlying cause. A nil err yields nil.
func Wrapf(err error, kind Kind, path string, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	e := Errorf(kind, path, format, args...)
	e.Err = err
	return e
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors that did
// not originate here report KindOther.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		err = unwrapOnce(err)
	}
	return KindOther
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func unwrapOnce(err error) error {
	type causer interface {
		Cause() error
	}
	type wrapper interface {
		Unwrap() error
	}
	switch e := err.(type) {
	case causer:
		return e.Cause()
	case wrapper:
		return e.Unwrap()
	}
	return nil
}

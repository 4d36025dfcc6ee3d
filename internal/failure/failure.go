// Package failure defines the error taxonomy shared by every stage of the
// buffer handoff: allocation, device import, build, execution and verification.
package failure

import (
	"errors"
	"fmt"
)

// Kind categorises a failure. None of them are recoverable; the kind only
// decides how the failure is reported.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = iota
	// ResourceExhaustion: no heap identifier accepted the allocation request.
	ResourceExhaustion
	// DeviceUnavailable: no platform/device of the requested kind.
	DeviceUnavailable
	// ImportRejected: the device context refused to alias external memory.
	ImportRejected
	// BuildFailure: kernel or graph compilation was rejected.
	BuildFailure
	// ExecutionFailure: a dispatched compute operation returned an error.
	ExecutionFailure
	// VerificationMismatch: output differs from the expected closed form.
	VerificationMismatch
	// SizeMismatch: producer and consumer disagree on byte length or element count.
	SizeMismatch
	// StageTimeout: a drain or completion wait exceeded the stage timeout.
	StageTimeout
	// OrderingViolation: a stage touched the buffer without the required barrier.
	OrderingViolation
	// InvalidArgument: a caller passed a malformed request or configuration.
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case ResourceExhaustion:
		return "ResourceExhaustion"
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case ImportRejected:
		return "ImportRejected"
	case BuildFailure:
		return "BuildFailure"
	case ExecutionFailure:
		return "ExecutionFailure"
	case VerificationMismatch:
		return "VerificationMismatch"
	case SizeMismatch:
		return "SizeMismatch"
	case StageTimeout:
		return "StageTimeout"
	case OrderingViolation:
		return "OrderingViolation"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is a categorised failure with the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "gpu.import"
	Message string
	Err     error
	// Detail carries a diagnostic blob such as a kernel build log.
	Detail string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a failure of the given kind.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. A nil err returns nil.
func Wrap(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail creates a failure carrying a diagnostic blob.
func WithDetail(kind Kind, op, detail, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Detail: detail}
}

// KindOf returns the kind of the outermost taxonomy error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailOf returns the first non-empty diagnostic detail in err's chain.
func DetailOf(err error) string {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return ""
		}
		if fe.Detail != "" {
			return fe.Detail
		}
		err = fe.Err
	}
	return ""
}

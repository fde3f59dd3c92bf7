package remote

// Status tags an Outcome.
type Status int

const (
	StatusOK Status = iota
	StatusUnsupported
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupported:
		return "unsupported"
	default:
		return "failed"
	}
}

// Outcome is the result of a collector call: a value, a note that the
// feature does not exist on the host's OS, or an error.
type Outcome[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Ok wraps a value.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Status: StatusOK, Value: v}
}

// Unsupported marks a feature the host's OS does not provide.
func Unsupported[T any]() Outcome[T] {
	return Outcome[T]{Status: StatusUnsupported}
}

// Failed wraps an error.
func Failed[T any](err error) Outcome[T] {
	return Outcome[T]{Status: StatusFailed, Err: err}
}

// Get returns the value and error in the usual Go shape. Unsupported
// yields the zero value and ErrUnsupported.
func (o Outcome[T]) Get() (T, error) {
	switch o.Status {
	case StatusOK:
		return o.Value, nil
	case StatusUnsupported:
		var zero T
		return zero, ErrUnsupported
	default:
		var zero T
		return zero, o.Err
	}
}

// ErrUnsupported is returned by Outcome.Get for unsupported features.
var ErrUnsupported = unsupportedError{}

type unsupportedError struct{}

func (unsupportedError) Error() string { return "not supported on this host" }

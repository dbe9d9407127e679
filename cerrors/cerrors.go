// Package cerrors classifies errors into the taxonomy of spec.md §7 so that
// workers can decide, at a single call site, whether to retry a job, park
// it behind the circuit breaker, fail the file permanently, or roll back
// and let the bus redeliver — instead of re-deriving that decision from the
// concrete error type at every call site.
package cerrors

import "fmt"

// Kind is the error taxonomy category.
type Kind string

const (
	// Transient errors (network, 5xx, timeouts, bus contention) are retried
	// with exponential backoff, then circuit-broken.
	Transient Kind = "transient"
	// Data errors (schema validation, JSON parse, empty input) drive the
	// LLM self-correction loop; once exhausted the job terminates.
	Data Kind = "data"
	// Policy errors (file too large, path traversal, disallowed
	// relationship type) are rejected immediately, logged, never retried.
	Policy Kind = "policy"
	// Integrity errors (state-store/graph-store constraint or transaction
	// failure) always roll back and requeue.
	Integrity Kind = "integrity"
)

// Classified is an error tagged with its taxonomy Kind and whether a bus
// redelivery should be attempted.
type Classified struct {
	Kind      Kind
	Retriable bool
	Message   string
	Err       error
}

func (c *Classified) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("%s: %s: %v", c.Kind, c.Message, c.Err)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

func (c *Classified) Unwrap() error { return c.Err }

// Retriable reports whether the kind is, by default, worth retrying. Policy
// errors never are; the others are — Data errors are retried by the
// worker's self-correction loop rather than the bus, but still count as
// "retriable" at this layer since the caller decides which loop applies.
func (k Kind) Retriable() bool {
	return k != Policy
}

func newf(kind Kind, err error, format string, args ...interface{}) *Classified {
	return &Classified{
		Kind:      kind,
		Retriable: kind.Retriable(),
		Message:   fmt.Sprintf(format, args...),
		Err:       err,
	}
}

// Transientf wraps err as a Transient error.
func Transientf(err error, format string, args ...interface{}) *Classified {
	return newf(Transient, err, format, args...)
}

// Dataf wraps err as a Data error.
func Dataf(err error, format string, args ...interface{}) *Classified {
	return newf(Data, err, format, args...)
}

// Policyf wraps err as a Policy error.
func Policyf(err error, format string, args ...interface{}) *Classified {
	return newf(Policy, err, format, args...)
}

// Integrityf wraps err as an Integrity error.
func Integrityf(err error, format string, args ...interface{}) *Classified {
	return newf(Integrity, err, format, args...)
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Classified, defaulting to Transient for unclassified errors so unknown
// failures still get the conservative retry-then-break treatment.
func KindOf(err error) Kind {
	var c *Classified
	if asClassified(err, &c) {
		return c.Kind
	}
	return Transient
}

func asClassified(err error, target **Classified) bool {
	for err != nil {
		if c, ok := err.(*Classified); ok {
			*target = c
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

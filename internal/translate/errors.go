package translate

import "errors"

// Kind classifies why translating a chunk failed, so the orchestrator knows
// whether to retry the chunk or fail the whole job.
type Kind string

const (
	// KindTransient covers rate limiting, timeouts and upstream 5xxs: the
	// same chunk may succeed on a later attempt.
	KindTransient Kind = "transient"
	// KindPermanent covers malformed input or a provider rejection that
	// will not change on retry: the job fails outright.
	KindPermanent Kind = "permanent"
)

// Error wraps an underlying error with a Kind so callers can branch on
// errors.As without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindPermanent
	}
	return false
}


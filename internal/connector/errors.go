package connector

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that the object does not exist in the store.
var ErrNotFound = errors.New("object not found")

// TransientError wraps store failures that are worth retrying: network
// errors, timeouts, throttling, server-side 5xx.
type TransientError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps store failures that retrying cannot fix: bad
// credentials, invalid keys, client-side 4xx.
type PermanentError struct {
	Op  string
	Key string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent store error: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func notFound(op, key string) error {
	return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
}

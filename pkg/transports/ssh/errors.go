package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/prflow/prflow/pkg/engine"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// connectError classifies a dial or handshake failure.
func connectError(op string, err error) *TransportError {
	var keyErr *knownhosts.KeyError
	auth := errors.As(err, &keyErr) || strings.Contains(err.Error(), "unable to authenticate")
	return &TransportError{Op: op, Err: err, IsTemporary: !auth, IsAuthError: auth}
}

// classify turns a transport failure into an engine error so the retry policy
// can act on it.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	msg := fmt.Sprintf("sandbox %s failed", op)
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewError(engine.ErrorKindNetworkTimeout, msg, err)
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case te.IsAuthError:
			return engine.NewError(engine.ErrorKindAuthInvalid, msg, err)
		case te.IsTemporary:
			return engine.NewError(engine.ErrorKindServiceUnavailable, msg, err)
		}
	}
	return engine.NewError(engine.ErrorKindUnknown, msg, err)
}

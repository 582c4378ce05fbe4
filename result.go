package ftpengine

import (
	"errors"
	"fmt"
)

// status is the outcome of one step of an operation.
type status int

const (
	// statusContinue asks the executor to call send again right away.
	statusContinue status = iota
	// statusWait suspends the operation until a reply, a lock, a transfer
	// event or an asynchronous answer arrives.
	statusWait
	statusOK
	statusError
	// statusCritical is an error retrying cannot fix.
	statusCritical
	// statusDisconnected resets the whole connection.
	statusDisconnected
	// statusInternal is a broken state machine.
	statusInternal
)

func (s status) String() string {
	switch s {
	case statusContinue:
		return "continue"
	case statusWait:
		return "wait"
	case statusOK:
		return "ok"
	case statusError:
		return "error"
	case statusCritical:
		return "critical"
	case statusDisconnected:
		return "disconnected"
	case statusInternal:
		return "internal"
	}
	return "unknown"
}

type result struct {
	status status
	err    error
}

func proceed() result         { return result{status: statusContinue} }
func suspend() result         { return result{status: statusWait} }
func success() result         { return result{status: statusOK} }
func failure(err error) result { return result{status: statusError, err: err} }

func criticalError(err error) result {
	return result{status: statusCritical, err: err}
}

func lostConnection(err error) result {
	return result{status: statusDisconnected, err: err}
}

func internalError(format string, args ...any) result {
	return result{status: statusInternal, err: fmt.Errorf(format, args...)}
}

func (r result) terminal() bool {
	return r.status >= statusOK
}

// asError converts a terminal result into what the caller sees.
func (r result) asError() error {
	switch r.status {
	case statusOK:
		return nil
	case statusCritical:
		if r.err == nil {
			return ErrCritical
		}
		if errors.Is(r.err, ErrCritical) {
			return r.err
		}
		return fmt.Errorf("%w: %w", ErrCritical, r.err)
	case statusInternal:
		return fmt.Errorf("%w: %w", ErrInternal, r.err)
	case statusDisconnected:
		if r.err == nil {
			return ErrDisconnected
		}
		return fmt.Errorf("%w: %w", ErrDisconnected, r.err)
	}
	if r.err == nil {
		return errors.New("ftpengine: operation failed")
	}
	return r.err
}

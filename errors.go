package ftpengine

import (
	"errors"
	"fmt"

	"github.com/gonzalop/ftpengine/internal/transfer"
)

var (
	// ErrDisconnected is returned to every pending caller when the control
	// connection is lost or reset.
	ErrDisconnected = errors.New("ftpengine: disconnected")

	// ErrBusy is returned when a command is issued while another one is
	// still running on the same connection.
	ErrBusy = errors.New("ftpengine: another command is in progress")

	// ErrNotConnected is returned by commands issued after Close.
	ErrNotConnected = errors.New("ftpengine: not connected")

	// ErrCritical marks failures after which retrying the same operation
	// is pointless.
	ErrCritical = errors.New("ftpengine: critical error")

	// ErrInternal marks a state machine reaching a state it should not.
	ErrInternal = errors.New("ftpengine: internal error")

	// ErrTLSResumptionRefused is returned when a data connection did not
	// resume the control connection's TLS session and the user declined
	// to continue.
	ErrTLSResumptionRefused = errors.New("ftpengine: TLS session resumption refused")

	// ErrInvalidPath is returned for paths that cannot be resolved against
	// the current directory.
	ErrInvalidPath = errors.New("ftpengine: invalid path")

	// ErrTimeout is returned when the connection made no progress for the
	// configured timeout.
	ErrTimeout = errors.New("ftpengine: connection timed out")
)

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "MKD b")
	Command string

	// Response is the message received from the server (e.g., "Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ProtocolError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ProtocolError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
func (e *ProtocolError) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Is5xx()
}

// TransferError reports how a data connection ended when it did not end
// successfully.
type TransferError struct {
	Reason transfer.EndReason
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ftp: data connection ended with %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ftp: data connection ended with %s", e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

// protocolError builds the error for a reply that was not accepted.
func protocolError(cmd string, r *Response) error {
	return &ProtocolError{Command: cmd, Response: r.Message, Code: r.Code}
}

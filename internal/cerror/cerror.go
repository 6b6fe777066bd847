// Package cerror defines the error taxonomy shared across the core and the
// API boundary. Per-operation failures travel as values inside responses;
// only session-fatal faults are surfaced as SessionError events.
package cerror

import (
	"errors"
	"fmt"

	"github.com/vlaube/sessiond/internal/model"
)

// Kind classifies a NativeError.
type Kind string

const (
	KindFileNotFound        Kind = "FileNotFound"
	KindUnsupportedFileType Kind = "UnsupportedFileType"
	KindComputationFailed   Kind = "ComputationFailed"
	KindConfiguration       Kind = "Configuration"
	KindInterrupted         Kind = "Interrupted"
	KindOperationSearch     Kind = "OperationSearch"
	KindNotYetImplemented   Kind = "NotYetImplemented"
	KindChannelError        Kind = "ChannelError"
	KindIo                  Kind = "Io"
	KindGrabber             Kind = "Grabber"
)

// NativeError is the wire shape of every error payload crossing the boundary.
type NativeError struct {
	Severity model.Severity `json:"severity"`
	Kind     Kind           `json:"kind"`
	Message  string         `json:"message,omitempty"`
}

func (e *NativeError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, format string, args ...any) *NativeError {
	return &NativeError{
		Severity: model.SeverityError,
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
	}
}

func Warning(kind Kind, format string, args ...any) *NativeError {
	return &NativeError{
		Severity: model.SeverityWarning,
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap converts an arbitrary error into a NativeError, passing NativeErrors
// through unchanged.
func Wrap(kind Kind, err error) *NativeError {
	if err == nil {
		return nil
	}
	var ne *NativeError
	if errors.As(err, &ne) {
		return ne
	}
	if errors.Is(err, ErrSessionUnavailable) || errors.Is(err, ErrMultipleInitCall) {
		return New(KindConfiguration, "%v", err)
	}
	return New(kind, "%v", err)
}

// Precondition-violation sentinels. Hitting one of these is a caller bug,
// not a runtime condition.
var (
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrMultipleInitCall   = errors.New("multiple init call")
)

// Operation-level sentinels.
var (
	ErrCancelled = errors.New("operation cancelled")
	ErrBusy      = errors.New("resource busy")
)

// Computation error codes used in API error payloads.
const (
	CodeDestinationPath       = "DestinationPath"
	CodeSessionCreatingFail   = "SessionCreatingFail"
	CodeCommunication         = "Communication"
	CodeOperationNotSupported = "OperationNotSupported"
	CodeIoOperation           = "IoOperation"
	CodeInvalidData           = "InvalidData"
	CodeInvalidArgs           = "InvalidArgs"
	CodeProcess               = "Process"
	CodeProtocol              = "Protocol"
	CodeSearchError           = "SearchError"
	CodeMultipleInitCall      = "MultipleInitCall"
	CodeSessionUnavailable    = "SessionUnavailable"
	CodeGrabbing              = "Grabbing"
	CodeSde                   = "Sde"
	CodeDecoding              = "Decoding"
	CodeEncoding              = "Encoding"
)

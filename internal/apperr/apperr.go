// Package apperr defines the closed set of failure kinds surfaced by the
// catalog gateway, the transfer engine and the acquisition pipeline.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Kind tags an error with the category the CLI reports to the user.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuthRequired
	KindNotFound
	KindServiceUnavailable
	KindInvalidResponse
	KindCorruptLocalState
	KindIncompleteTransfer
	KindFilesystem
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNetwork            = errors.New("network error")
	ErrAuthRequired       = errors.New("authentication required")
	ErrNotFound           = errors.New("not found in catalog")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInvalidResponse    = errors.New("invalid response")
	ErrCorruptLocalState  = errors.New("corrupt local state")
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	ErrFilesystem         = errors.New("filesystem error")
)

var sentinels = map[Kind]error{
	KindNetwork:            ErrNetwork,
	KindAuthRequired:       ErrAuthRequired,
	KindNotFound:           ErrNotFound,
	KindServiceUnavailable: ErrServiceUnavailable,
	KindInvalidResponse:    ErrInvalidResponse,
	KindCorruptLocalState:  ErrCorruptLocalState,
	KindIncompleteTransfer: ErrIncompleteTransfer,
	KindFilesystem:         ErrFilesystem,
}

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "NetworkError"
	case KindAuthRequired:
		return "AuthRequiredError"
	case KindNotFound:
		return "NotFoundError"
	case KindServiceUnavailable:
		return "ServiceUnavailableError"
	case KindInvalidResponse:
		return "InvalidResponseError"
	case KindCorruptLocalState:
		return "CorruptLocalStateError"
	case KindIncompleteTransfer:
		return "IncompleteTransferError"
	case KindFilesystem:
		return "FilesystemError"
	default:
		return "UnknownError"
	}
}

// Retryable reports whether re-running the same command may succeed
// without user intervention.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindServiceUnavailable
}

// Error is a failure carrying its Kind, the operation that failed and the
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if s, ok := sentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New builds an *Error. A nil cause is allowed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error whose cause is a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus maps a non-2xx HTTP status onto a tagged error. 2xx yields nil.
func FromStatus(op string, code int, status string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Newf(KindAuthRequired, op, "status %s", status)
	case code == http.StatusNotFound:
		return Newf(KindNotFound, op, "status %s", status)
	case code == http.StatusTooManyRequests || code >= 500:
		return Newf(KindServiceUnavailable, op, "status %s", status)
	default:
		return Newf(KindInvalidResponse, op, "status %s", status)
	}
}

// KindOf classifies err. Tagged errors report their own kind; bare transport
// and filesystem errors are mapped to the closest kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return KindFilesystem
	}
	return KindUnknown
}

// Message returns the actionable line printed by the CLI for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindNetwork:
		return fmt.Sprintf("Network problem, check your connection or proxy and retry: %v", err)
	case KindAuthRequired:
		return "This download requires an API key. Set ApiKey in the config file or export CIVITAI_API_KEY."
	case KindNotFound:
		return fmt.Sprintf("Not found in the catalog: %v", err)
	case KindServiceUnavailable:
		return fmt.Sprintf("The catalog is temporarily unavailable, try again later: %v", err)
	case KindInvalidResponse:
		return fmt.Sprintf("The catalog returned an unexpected response: %v", err)
	case KindIncompleteTransfer:
		return fmt.Sprintf("The server did not deliver the complete file: %v", err)
	case KindFilesystem:
		return fmt.Sprintf("Local filesystem error: %v", err)
	default:
		return err.Error()
	}
}

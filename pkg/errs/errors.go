package errs

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrParsing              = errors.New("parsing error")
	ErrInvalidMessageFormat = errors.New("invalid message format")
	ErrInvalidSchain        = errors.New("invalid schain")
	ErrInvalidSourceIP      = errors.New("invalid source ip")
	ErrNetworkProtocol      = errors.New("network protocol error")
	ErrInvalidState         = errors.New("invalid state")
	ErrEngineInit           = errors.New("engine init error")

	// ErrExitRequested unwinds long-running operations at shutdown. It is
	// never treated as a fault; callers clean up and return.
	ErrExitRequested = errors.New("exit requested")

	// ErrFatal terminates the process with a logged cause.
	ErrFatal = errors.New("fatal error")
)

// IsExitRequested reports whether err is, or wraps, ErrExitRequested.
func IsExitRequested(err error) bool {
	return stderrors.Is(err, ErrExitRequested)
}

func IsFatal(err error) bool {
	return stderrors.Is(err, ErrFatal)
}

package errs

import (
	"errors"
	"net"
	"syscall"
)

// The closed set of failure kinds surfaced by the controller. Callers match
// with errors.Is; everything the transport produces wraps one of these.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConnected    = errors.New("not connected")
	ErrTimedOut        = errors.New("timed out")
	ErrCanceled        = errors.New("canceled")
	ErrProtocol        = errors.New("protocol error")
	ErrConnectRefused  = errors.New("connection refused")
	ErrHostUnreachable = errors.New("host unreachable")
	ErrIO              = errors.New("i/o error")
)

// Classify maps a raw network failure onto the taxonomy. Errors that already
// carry one of the sentinels pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrTimedOut),
		errors.Is(err, ErrCanceled),
		errors.Is(err, ErrProtocol),
		errors.Is(err, ErrConnectRefused),
		errors.Is(err, ErrHostUnreachable),
		errors.Is(err, ErrIO):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ErrHostUnreachable
	case errors.Is(err, net.ErrClosed):
		return ErrCanceled
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimedOut
	}
	return ErrIO
}

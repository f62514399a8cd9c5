package exchange

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownExchange     = errors.New("unknown exchange")
	ErrUnsupportedInterval = errors.New("unsupported interval")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrRequestFailed       = errors.New("request failed")
)

// ParserError is returned by every TickerClient operation. Transient is set
// when the request kept failing with connection errors or 5xx responses until
// the retry ceiling was reached; contract errors are never transient.
type ParserError struct {
	Exchange  string
	Op        string
	Transient bool
	Err       error
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *ParserError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a ParserError caused by transport failures.
func IsTransient(err error) bool {
	var pe *ParserError
	return errors.As(err, &pe) && pe.Transient
}

func contractError(exchange, op string, cause error, format string, args ...any) error {
	return &ParserError{
		Exchange: exchange,
		Op:       op,
		Err:      fmt.Errorf("%w: %s", cause, fmt.Sprintf(format, args...)),
	}
}

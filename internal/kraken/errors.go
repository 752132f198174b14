package kraken

import (
	"errors"
	"fmt"
	"strings"
)

// ExchangeError is returned when the API responds with a non-empty error
// array. The first message is kept verbatim, e.g. "EAPI:Invalid nonce".
type ExchangeError struct {
	Endpoint string
	Message  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("kraken %s: %s", e.Endpoint, e.Message)
}

// NonceOrTimeout reports whether the error text indicates a nonce
// collision or server-side timeout — the two cases OpenOrders retries
// beyond the standard attempt budget.
func (e *ExchangeError) NonceOrTimeout() bool {
	return strings.Contains(e.Message, "Invalid nonce") ||
		strings.Contains(strings.ToLower(e.Message), "timeout")
}

// ParseError marks a malformed or unexpectedly shaped payload. The frame
// is discarded; callers log and continue.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrNotConnected is returned by WS sends before a socket is established.
var ErrNotConnected = errors.New("websocket not connected")

// IsExchangeError extracts an *ExchangeError from an error chain.
func IsExchangeError(err error) (*ExchangeError, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

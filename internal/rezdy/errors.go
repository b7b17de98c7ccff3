package rezdy

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports a client that cannot call Rezdy at all, e.g. no API key.
	// It is never retried and never masked by stale data.
	ErrConfiguration = errors.New("rezdy: configuration error")
	// ErrMalformedPayload reports a 2xx response whose body could not be decoded.
	ErrMalformedPayload = errors.New("rezdy: malformed payload")
)

// StatusError is returned for non-2xx responses and for 2xx responses whose
// requestStatus reports failure.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("rezdy: status %d: %s: %s", e.Status, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("rezdy: status %d: %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("rezdy: status %d", e.Status)
	}
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

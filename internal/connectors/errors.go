package connectors

import (
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// ErrStreamClosed — поток событий оборвался без терминального события.
var ErrStreamClosed = errors.New("signer event stream closed")

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// TransportError — сбой сети или ответа подписанта.
// Temporary: 5xx и сетевые ошибки, повтор безопасен только для идемпотентных вызовов.
type TransportError struct {
	Op         string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("signer %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("signer %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is позволяет проверять errors.Is(err, domain.ErrTransport).
func (e *TransportError) Is(target error) bool { return target == domain.ErrTransport }

// IsRetryable — можно ли повторить идемпотентный вызов.
func IsRetryable(err error) bool {
	var tErr *ThrottleError
	if errors.As(err, &tErr) {
		return true
	}
	var trErr *TransportError
	return errors.As(err, &trErr) && trErr.Temporary
}

package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrObjectNotFound: объекта с таким ключом нет в хранилище.
var ErrObjectNotFound = errors.New("connectors: object not found")

// ThrottleError: внешний сервис (LLM, bucket) попросил подождать.
// ReliabilityWrapper учитывает RetryAfter в своей задержке.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

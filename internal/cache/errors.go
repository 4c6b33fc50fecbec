package cache

import (
	"fmt"
	"time"

	"github.com/j-veylop/repcache/internal/models"
)

// InvalidKeyError is returned for malformed subjects, before any I/O.
type InvalidKeyError struct {
	QueryType models.QueryType
	Key       string
	Reason    string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid %s key %q: %s", e.QueryType, e.Key, e.Reason)
}

// QuotaExhaustedError is returned when no quota is left and nothing is
// cached for the subject. Callers may retry after RetryAfter.
type QuotaExhaustedError struct {
	RetryAfter time.Time
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted, retry after %s", e.RetryAfter.Format(time.RFC3339))
}

// Retryable reports that the same request can succeed later.
func (e *QuotaExhaustedError) Retryable() bool {
	return true
}

// StorageError wraps failures of the cache or quota store.
type StorageError struct {
	Err error
	Op  string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

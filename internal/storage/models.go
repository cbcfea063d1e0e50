package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DeliveryRecord is a redacted note that a notification was shown. No
// plaintext content is ever persisted; Outcome records which path
// delivered ("decrypted" or "fallback").
type DeliveryRecord struct {
	ID          string
	Outcome     string
	DeliveredAt time.Time
}

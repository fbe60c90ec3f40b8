package ingest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotArchived is returned when reading a batch whose archive write
// never succeeded.
var ErrNotArchived = errors.New("batch has no archive")

// ArchiveWriteError reports a failed raw-archive write. The batch row
// stays without an archive pointer.
type ArchiveWriteError struct {
	Batch uuid.UUID
	Err   error
}

func (e *ArchiveWriteError) Error() string {
	return fmt.Sprintf("archive batch %s: %v", e.Batch, e.Err)
}

func (e *ArchiveWriteError) Unwrap() error { return e.Err }

// TransientDeliveryError reports an event that could not be published
// after every retry.
type TransientDeliveryError struct {
	Batch    uuid.UUID
	Event    int
	Attempts int
	Err      error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("publish event %d of batch %s after %d attempts: %v", e.Event, e.Batch, e.Attempts, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

package memory

import (
	"errors"
	"fmt"

	"github.com/mirahq/mira/pkg/models"
)

// Sentinel errors for the LT-Memory pipeline.
var (
	// ErrMemoryNotFound means the id does not resolve for the ambient user.
	ErrMemoryNotFound = errors.New("memory: not found")

	// ErrEntityNotFound means the entity id does not resolve for the
	// ambient user.
	ErrEntityNotFound = errors.New("memory: entity not found")

	// ErrBatchNotFound means the batch row does not exist.
	ErrBatchNotFound = errors.New("memory: batch not found")

	// ErrEmptyText rejects persisting a memory with no content.
	ErrEmptyText = errors.New("memory: text must not be empty")

	// ErrNoBatchProvider means batch submission was requested but no
	// provider batch API is configured.
	ErrNoBatchProvider = errors.New("memory: batch provider not configured")
)

// InvalidTransitionError reports an illegal batch state move. Re-applying
// the current state is never an error; everything else outside the state
// machine is.
type InvalidTransitionError struct {
	BatchID string
	From    models.BatchState
	To      models.BatchState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("memory: batch %s: illegal transition %s -> %s", e.BatchID, e.From, e.To)
}

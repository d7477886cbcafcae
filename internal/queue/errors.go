package queue

import (
	"errors"
	"fmt"
)

// Validation failures surface immediately; losing a claim race does not,
// it is reported as a false return instead.
var (
	// ErrPriorityOutOfRange means priority was outside [1,10].
	ErrPriorityOutOfRange = errors.New("priority must be between 1 and 10")

	// ErrPayloadNotSerializable means the payload could not be encoded as JSON.
	ErrPayloadNotSerializable = errors.New("payload not JSON-serializable")

	// ErrDuplicateCorrelation means a response for this correlation id was
	// already recorded.
	ErrDuplicateCorrelation = errors.New("response already sent for correlation id")

	// ErrNoCorrelationID means SendResponse was given a request that never
	// carried a correlation id.
	ErrNoCorrelationID = errors.New("original message has no correlation id")
)

// MessageNotFoundError indicates the referenced message does not exist.
type MessageNotFoundError struct {
	ID string
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("message %s not found", e.ID)
}

package domain

import "github.com/google/uuid"

// NewID returns a time-ordered unique id. V7 ids keep outbox claim order
// stable for rows created in the same instant.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// rand exhaustion only; fall back to v4
		return uuid.New().String()
	}
	return id.String()
}

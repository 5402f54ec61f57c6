package domain

import "github.com/google/uuid"

// NewID generates a UUIDv7 string for application-owned entities. UUIDv7 ids
// sort by creation time, which the job listing relies on for tie-breaking.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

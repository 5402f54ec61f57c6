package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CheckpointVersion is the schema version written into every checkpoint.
// Bump it whenever a field changes meaning.
const CheckpointVersion = 1

// ErrCheckpointVersion is returned when a stored checkpoint was written by an
// incompatible schema version.
var ErrCheckpointVersion = errors.New("checkpoint version mismatch")

// Checkpoint is the durable progress snapshot used to resume a job without
// repeating completed windows.
type Checkpoint struct {
	Version       int            `json:"version"`
	ProcessedRows int64          `json:"processed_rows"`
	Section       string         `json:"section"`
	At            time.Time      `json:"at"`
	LastError     string         `json:"last_error,omitempty"`
	WindowSize    int            `json:"window_size"`
	SpoolBytes    int64          `json:"spool_bytes,omitempty"`
	Parts         []PartRecord   `json:"parts,omitempty"`
	Entities      []EntityRecord `json:"entities,omitempty"`
}

// PartRecord describes one rendered window of a paginated export.
type PartRecord struct {
	Index    int    `json:"index"`
	Rows     int64  `json:"rows"`
	Pages    int    `json:"pages"`
	Path     string `json:"path"`
	EntityID int64  `json:"entity_id,omitempty"`
}

// EntityRecord is one booklet entity with its matched row count.
type EntityRecord struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// IsFailure reports whether the checkpoint was written on an error path.
func (c *Checkpoint) IsFailure() bool { return c.LastError != "" }

// EncodeCheckpoint serializes c with the current version stamped.
func EncodeCheckpoint(c Checkpoint) (json.RawMessage, error) {
	c.Version = CheckpointVersion
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint parses a stored checkpoint. A nil result with a nil error
// means no checkpoint is attached.
func DecodeCheckpoint(raw json.RawMessage) (*Checkpoint, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if probe.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: stored v%d, supported v%d", ErrCheckpointVersion, probe.Version, CheckpointVersion)
	}
	var c Checkpoint
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &c, nil
}

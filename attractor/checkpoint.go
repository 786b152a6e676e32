// ABOUTME: Checkpoint snapshot serialization with atomic writes and unknown-field preservation.
// ABOUTME: JSON documents written to {logs_dir}/{session_id}.ckpt via temp-file + rename.
package attractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is a serializable snapshot of engine progress. Fields a
// newer writer added are preserved through a read-modify-write cycle via
// the extra map.
type Checkpoint struct {
	SessionID      string              `json:"session_id"`
	CurrentNode    string              `json:"current_node"`
	CompletedNodes []string            `json:"completed_nodes"`
	NodeOutcomes   map[string]*Outcome `json:"node_outcomes"`
	Context        map[string]any      `json:"context"`
	TotalCost      float64             `json:"total_cost"`
	StepCount      int                 `json:"step_count"`
	Timestamp      time.Time           `json:"timestamp"`

	extra map[string]json.RawMessage
}

// checkpointKnownFields lists the JSON keys owned by this version.
var checkpointKnownFields = map[string]bool{
	"session_id":      true,
	"current_node":    true,
	"completed_nodes": true,
	"node_outcomes":   true,
	"context":         true,
	"total_cost":      true,
	"step_count":      true,
	"timestamp":       true,
}

// checkpointAlias avoids marshal recursion.
type checkpointAlias Checkpoint

// MarshalJSON emits the known fields plus any preserved unknown fields.
// Known fields always win on key collision.
func (cp *Checkpoint) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*checkpointAlias)(cp))
	if err != nil {
		return nil, err
	}
	if len(cp.extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(cp.extra)+8)
	for k, v := range cp.extra {
		merged[k] = v
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the known fields and stashes everything else.
func (cp *Checkpoint) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*checkpointAlias)(cp)); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if checkpointKnownFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		cp.extra = raw
	}
	return nil
}

// CheckpointPath derives the checkpoint file path for a session.
func CheckpointPath(logsDir, sessionID string) string {
	return filepath.Join(logsDir, sanitizeFilename(sessionID)+".ckpt")
}

// Save writes the checkpoint atomically: marshal, write to a temp file
// in the destination directory, then rename over the target.
func (cp *Checkpoint) Save(path string) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return &CheckpointError{Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &CheckpointError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return &CheckpointError{Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &CheckpointError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &CheckpointError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &CheckpointError{Path: path, Err: err}
	}
	return nil
}

// LoadCheckpoint reads a checkpoint from disk.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ResumeError{Reason: fmt.Sprintf("cannot read checkpoint %q", path), Err: err}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &ResumeError{Reason: fmt.Sprintf("cannot parse checkpoint %q", path), Err: err}
	}
	return &cp, nil
}

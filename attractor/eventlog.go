// ABOUTME: Engine lifecycle events, the LogSink interface, and the filesystem JSONL sink.
// ABOUTME: Events carry UUID identifiers and are appended per run; queries filter in memory.
package attractor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineEventType identifies the kind of engine lifecycle event.
type EngineEventType string

const (
	EventPipelineStarted   EngineEventType = "pipeline.started"
	EventPipelineCompleted EngineEventType = "pipeline.completed"
	EventPipelineFailed    EngineEventType = "pipeline.failed"
	EventPipelineSuspended EngineEventType = "pipeline.suspended"
	EventStageStarted      EngineEventType = "stage.started"
	EventStageCompleted    EngineEventType = "stage.completed"
	EventStageFailed       EngineEventType = "stage.failed"
	EventStageRetrying     EngineEventType = "stage.retrying"
	EventLoopReset         EngineEventType = "loop.reset"
	EventCheckpointSaved   EngineEventType = "checkpoint.saved"
)

// EngineEvent is a lifecycle event emitted during pipeline execution.
type EngineEvent struct {
	ID        string          `json:"id"`
	Type      EngineEventType `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// newEngineEvent stamps an event with a UUID and the current time.
func newEngineEvent(typ EngineEventType, nodeID string, data map[string]any) EngineEvent {
	return EngineEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		NodeID:    nodeID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// EventFilter selects events from a run's log.
type EventFilter struct {
	Types  []EngineEventType // empty means all types
	NodeID string            // empty means all nodes
	Since  *time.Time
	Until  *time.Time
	Limit  int // 0 means unlimited
	Offset int
}

func (f EventFilter) matches(evt EngineEvent) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if evt.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.NodeID != "" && evt.NodeID != f.NodeID {
		return false
	}
	if f.Since != nil && evt.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && evt.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// EventSummary holds aggregate statistics for a run's event log.
type EventSummary struct {
	TotalEvents int
	ByType      map[EngineEventType]int
	ByNode      map[string]int
	FirstEvent  *time.Time
	LastEvent   *time.Time
}

// LogSink is durable storage for engine events.
type LogSink interface {
	// Append writes an event to the log for the given run.
	Append(runID string, event EngineEvent) error

	// Query returns events matching the filter plus the total match
	// count before pagination.
	Query(runID string, filter EventFilter) ([]EngineEvent, int, error)

	// Tail returns the last n events of a run.
	Tail(runID string, n int) ([]EngineEvent, error)

	// Summarize returns aggregate statistics for a run.
	Summarize(runID string) (*EventSummary, error)

	// Close releases any resources held by the sink.
	Close() error
}

// FSLogSink stores each run's events as an append-only events.jsonl file
// under baseDir/<runID>/.
type FSLogSink struct {
	mu      sync.Mutex
	baseDir string
}

var _ LogSink = (*FSLogSink)(nil)

// NewFSLogSink creates a filesystem sink rooted at baseDir.
func NewFSLogSink(baseDir string) (*FSLogSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &FSLogSink{baseDir: baseDir}, nil
}

func (s *FSLogSink) eventsPath(runID string) string {
	return filepath.Join(s.baseDir, sanitizeFilename(runID), "events.jsonl")
}

// Append writes one event as a JSON line.
func (s *FSLogSink) Append(runID string, event EngineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.eventsPath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *FSLogSink) load(runID string) ([]EngineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.eventsPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []EngineEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt EngineEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			// Skip torn trailing writes rather than failing the query.
			continue
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}

// Query filters the run's events in memory.
func (s *FSLogSink) Query(runID string, filter EventFilter) ([]EngineEvent, int, error) {
	all, err := s.load(runID)
	if err != nil {
		return nil, 0, err
	}

	var matched []EngineEvent
	for _, evt := range all {
		if filter.matches(evt) {
			matched = append(matched, evt)
		}
	}
	total := len(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// Tail returns the last n events of a run.
func (s *FSLogSink) Tail(runID string, n int) ([]EngineEvent, error) {
	all, err := s.load(runID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// Summarize aggregates the run's events.
func (s *FSLogSink) Summarize(runID string) (*EventSummary, error) {
	all, err := s.load(runID)
	if err != nil {
		return nil, err
	}
	return summarizeEvents(all), nil
}

// Close is a no-op for the filesystem sink.
func (s *FSLogSink) Close() error { return nil }

func summarizeEvents(events []EngineEvent) *EventSummary {
	summary := &EventSummary{
		TotalEvents: len(events),
		ByType:      make(map[EngineEventType]int),
		ByNode:      make(map[string]int),
	}
	for i := range events {
		evt := events[i]
		summary.ByType[evt.Type]++
		if evt.NodeID != "" {
			summary.ByNode[evt.NodeID]++
		}
		if summary.FirstEvent == nil || evt.Timestamp.Before(*summary.FirstEvent) {
			t := evt.Timestamp
			summary.FirstEvent = &t
		}
		if summary.LastEvent == nil || evt.Timestamp.After(*summary.LastEvent) {
			t := evt.Timestamp
			summary.LastEvent = &t
		}
	}
	return summary
}

// Package events defines the newline-delimited JSON progress stream the
// pipeline produces, and a small emitter that writes it.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Kind identifies the shape of an Event on the wire.
type Kind string

const (
	KindMessage          Kind = "message"
	KindData             Kind = "data"
	KindPhaseEvent       Kind = "phase_event"
	KindNodeEvent        Kind = "node_event"
	KindRelationshipEvent Kind = "relationship_event"
	KindCanvasUpdate     Kind = "canvas_update"
	KindComplete         Kind = "complete"
	KindError            Kind = "error"
)

// Node mirrors one entry of a graph.Graph's Nodes, addressed by its
// driver-assigned element id.
type Node struct {
	NodeID     string         `json:"Node ID"`
	Labels     []string       `json:"Labels"`
	Properties map[string]any `json:"Properties"`
}

// Relationship mirrors one entry of a graph.Graph's Relationships.
type Relationship struct {
	RelationshipID string         `json:"Relationship ID"`
	Type           string         `json:"Type"`
	Properties     map[string]any `json:"Properties"`
	StartNodeID    string         `json:"Start Node ID"`
	EndNodeID      string         `json:"End Node ID"`
}

// GraphDelta is the set of nodes/relationships touched by one write,
// restricted to the current sub-batch.
type GraphDelta struct {
	Nodes         []Node         `json:"Nodes"`
	Relationships []Relationship `json:"Relationships"`
}

// Event is the single wire shape for every kind of progress event. Only
// the fields relevant to Kind are populated; the rest are omitted.
type Event struct {
	Kind Kind `json:"kind"`

	Message string `json:"message,omitempty"`

	Graph            *GraphDelta `json:"graph,omitempty"`
	LineNumber       int         `json:"line_number,omitempty"`
	AnalysisProgress int         `json:"analysis_progress,omitempty"`
	CurrentFile      string      `json:"current_file,omitempty"`

	Node         *Node         `json:"node,omitempty"`
	Relationship *Relationship `json:"relationship,omitempty"`

	Phase    float64        `json:"phase,omitempty"`
	Name     string         `json:"name,omitempty"`
	Status   string         `json:"status,omitempty"`
	Progress int            `json:"progress,omitempty"`
	Details  map[string]any `json:"details,omitempty"`

	ErrorType string `json:"errorType,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

// Emitter serialises Events as newline-delimited JSON to an underlying
// writer. Safe for concurrent use; each Emit call takes a mutex so
// interleaved writers never tear a JSON line — consumers see interleaved
// progress from concurrent files, but each line stays whole.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter wraps w as a streaming event sink.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

func (e *Emitter) emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc := json.NewEncoder(e.w)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

// Message emits a plain human-readable progress line.
func (e *Emitter) Message(format string, args ...any) error {
	return e.emit(Event{Kind: KindMessage, Message: fmt.Sprintf(format, args...)})
}

// Data emits a graph delta event.
func (e *Emitter) Data(graph GraphDelta, lineNumber, analysisProgress int, currentFile string) error {
	return e.emit(Event{
		Kind:             KindData,
		Graph:            &graph,
		LineNumber:       lineNumber,
		AnalysisProgress: analysisProgress,
		CurrentFile:      currentFile,
	})
}

// PhaseEvent emits a phase/status/progress update.
func (e *Emitter) PhaseEvent(phase float64, name, status string, progress int, details map[string]any) error {
	return e.emit(Event{
		Kind:     KindPhaseEvent,
		Phase:    phase,
		Name:     name,
		Status:   status,
		Progress: progress,
		Details:  details,
	})
}

// NodeEvent emits a single-node creation/update notification.
func (e *Emitter) NodeEvent(n Node) error {
	return e.emit(Event{Kind: KindNodeEvent, Node: &n})
}

// RelationshipEvent emits a single-relationship notification.
func (e *Emitter) RelationshipEvent(r Relationship) error {
	return e.emit(Event{Kind: KindRelationshipEvent, Relationship: &r})
}

// CanvasUpdate emits a full-graph redraw hint for UI consumers.
func (e *Emitter) CanvasUpdate(graph GraphDelta) error {
	return e.emit(Event{Kind: KindCanvasUpdate, Graph: &graph})
}

// Complete emits the terminal success event.
func (e *Emitter) Complete(details map[string]any) error {
	return e.emit(Event{Kind: KindComplete, Details: details})
}

// Error emits the terminal failure event, minting a fresh trace id tied
// to this streaming session if one is not supplied.
func (e *Emitter) Error(errorType, message, traceID string) error {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return e.emit(Event{
		Kind:      KindError,
		Message:   message,
		ErrorType: errorType,
		TraceID:   traceID,
	})
}

// Package pipelinectl models pipeline run state: the pause/resume/stop/
// reset surface every phase boundary consults.
//
// The pause and resume signals are modelled as a gate type backed by a
// channel that is closed to wake every waiter and rebuilt on reset.
package pipelinectl

import (
	"context"
	"sync"
)

// Phase is the pipeline's run-state.
type Phase string

const (
	PhaseIdle             Phase = "IDLE"
	PhaseDDLProcessing    Phase = "DDL_PROCESSING"
	PhaseASTGeneration    Phase = "AST_GENERATION"
	PhaseLLMAnalysis      Phase = "LLM_ANALYSIS"
	PhaseTableEnrichment  Phase = "TABLE_ENRICHMENT"
	PhaseVectorizing      Phase = "VECTORIZING"
	PhaseUserStory        Phase = "USER_STORY"
	PhaseCompleted        Phase = "COMPLETED"
	PhaseFailed           Phase = "FAILED"
	PhaseCancelled        Phase = "CANCELLED"
)

// terminal phases from which Pause/Stop are rejected: a finished run
// has nothing left to pause.
var terminalPhases = map[Phase]bool{
	PhaseIdle:      true,
	PhaseCompleted: true,
	PhaseFailed:    true,
	PhaseCancelled: true,
}

// gate is a one-shot broadcast: Wait blocks until Open is called (or the
// context is cancelled), and Open is idempotent.
type gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

func (g *gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
	g.ch = make(chan struct{})
}

func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a snapshot of controller state returned by Status().
type Status struct {
	Phase     Phase
	Paused    bool
	Stopped   bool
	Progress  int
	Details   map[string]any
}

// Controller is an injectable handle over one run's pause/resume/stop
// state. Construct one Controller per run; there is deliberately no
// package-level instance.
type Controller struct {
	mu       sync.Mutex
	phase    Phase
	progress int
	details  map[string]any

	paused  bool
	stopped bool

	pauseGate  *gate // open means "not paused" (i.e. may proceed)
	resumeGate *gate // opened by Stop alongside pauseGate so no waiter parks
}

// New returns a fresh Controller in the IDLE phase, not paused, not
// stopped.
func New() *Controller {
	c := &Controller{
		phase:      PhaseIdle,
		pauseGate:  newGate(),
		resumeGate: newGate(),
	}
	c.pauseGate.Open() // not paused initially: the gate starts open
	return c
}

// SetPhase transitions to phase and resets the progress counter.
func (c *Controller) SetPhase(phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	c.progress = 0
}

// UpdateProgress records the current phase's progress percentage and an
// optional details map, surfaced through Status().
func (c *Controller) UpdateProgress(progress int, details map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = progress
	c.details = details
}

// Pause arms the pause gate so CheckContinue blocks at the next
// boundary. Returns false if the run is already in a terminal phase.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if terminalPhases[c.phase] {
		return false
	}
	c.paused = true
	c.pauseGate.Reset()
	return true
}

// Resume opens the pause gate, unblocking every waiter.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.pauseGate.Open()
}

// Stop marks the run stopped and opens both gates so no waiter parks
// forever; waiters unblock and then observe the stopped flag.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if terminalPhases[c.phase] {
		return false
	}
	c.stopped = true
	c.phase = PhaseCancelled
	c.pauseGate.Open()
	c.resumeGate.Open()
	return true
}

// Reset returns the controller to IDLE, clearing paused/stopped state,
// ready for a new run.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseIdle
	c.progress = 0
	c.details = nil
	c.paused = false
	c.stopped = false
	c.pauseGate = newGate()
	c.pauseGate.Open()
	c.resumeGate = newGate()
}

// Status returns a snapshot of the controller's current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Phase:    c.phase,
		Paused:   c.paused,
		Stopped:  c.stopped,
		Progress: c.progress,
		Details:  c.details,
	}
}

// CheckContinue is the blocking primitive every batch boundary calls: it
// returns false immediately if stopped, blocks until resumed if paused,
// and returns true otherwise. Cancellation inside an in-flight LLM call
// is not required; the current call finishes and the pipeline aborts at
// the next boundary.
func (c *Controller) CheckContinue(ctx context.Context) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	g := c.pauseGate
	c.mu.Unlock()

	if err := g.Wait(ctx); err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped
}

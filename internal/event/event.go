package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an output event the way a console would.
type Kind string

const (
	KindLog   Kind = "log"
	KindError Kind = "error"
	KindWarn  Kind = "warn"
	KindInfo  Kind = "info"
)

// Origin records why an event exists, orthogonal to Kind.
type Origin string

const (
	OriginConsole  Origin = "console"
	OriginError    Origin = "error"
	OriginTimeout  Origin = "timeout"
	OriginSecurity Origin = "security"
	OriginSystem   Origin = "system"
)

// Event is one normalized unit of observable execution activity.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
}

// Record is what producers hand to a sink: an event before the sink
// assigns its ID and timestamp.
type Record struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Origin  Origin `json:"origin"`
}

// ExecutionState describes the in-flight (or last) execution.
type ExecutionState struct {
	Running       bool          `json:"running"`
	Paused        bool          `json:"paused"`
	ExecutionID   string        `json:"execution_id,omitempty"`
	StartTime     time.Time     `json:"start_time,omitzero"`
	LastDuration  time.Duration `json:"last_duration"`
	FirstDuration time.Duration `json:"first_duration"`
}

// ExecutionPatch is a partial update to ExecutionState. Nil fields are
// left untouched.
type ExecutionPatch struct {
	Running       *bool
	Paused        *bool
	ExecutionID   *string
	StartTime     *time.Time
	LastDuration  *time.Duration
	FirstDuration *time.Duration
}

// CompileState mirrors ExecutionState for the transpile step.
type CompileState struct {
	Compiling     bool          `json:"compiling"`
	Errors        []string      `json:"errors,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	LastDuration  time.Duration `json:"last_duration"`
	FirstDuration time.Duration `json:"first_duration"`
}

// CompilePatch is a partial update to CompileState.
type CompilePatch struct {
	Compiling     *bool
	Errors        *[]string
	Warnings      *[]string
	LastDuration  *time.Duration
	FirstDuration *time.Duration
}

// Sink is the passive observable store the dispatcher writes into.
// The dispatcher is the sole writer; consumers read never-reordered
// events in emission order.
type Sink interface {
	AddOutput(rec Record)
	ClearOutputs()
	SetExecutionState(patch ExecutionPatch)
	SetCompileState(patch CompilePatch)
}

// Collector is an in-memory Sink. It assigns event IDs and timestamps
// at emission time and is safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	events    []Event
	execState ExecutionState
	compState CompileState
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) AddOutput(rec Record) {
	c.Append(rec)
}

// Append stamps rec with an ID and timestamp, stores it and returns
// the stored Event.
func (c *Collector) Append(rec Record) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := Event{
		ID:        uuid.New().String(),
		Kind:      rec.Kind,
		Message:   rec.Message,
		Timestamp: time.Now(),
		Origin:    rec.Origin,
	}
	c.events = append(c.events, ev)
	return ev
}

func (c *Collector) ClearOutputs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *Collector) SetExecutionState(patch ExecutionPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	applyExecutionPatch(&c.execState, patch)
}

func (c *Collector) SetCompileState(patch CompilePatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	applyCompilePatch(&c.compState, patch)
}

// Events returns a copy of the collected events in emission order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ExecutionState returns a snapshot of the execution state.
func (c *Collector) ExecutionState() ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execState
}

// CompileState returns a snapshot of the compile state.
func (c *Collector) CompileState() CompileState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compState
}

func applyExecutionPatch(s *ExecutionState, p ExecutionPatch) {
	if p.Running != nil {
		s.Running = *p.Running
	}
	if p.Paused != nil {
		s.Paused = *p.Paused
	}
	if p.ExecutionID != nil {
		s.ExecutionID = *p.ExecutionID
	}
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.LastDuration != nil {
		s.LastDuration = *p.LastDuration
	}
	if p.FirstDuration != nil {
		s.FirstDuration = *p.FirstDuration
	}
}

func applyCompilePatch(s *CompileState, p CompilePatch) {
	if p.Compiling != nil {
		s.Compiling = *p.Compiling
	}
	if p.Errors != nil {
		s.Errors = *p.Errors
	}
	if p.Warnings != nil {
		s.Warnings = *p.Warnings
	}
	if p.LastDuration != nil {
		s.LastDuration = *p.LastDuration
	}
	if p.FirstDuration != nil {
		s.FirstDuration = *p.FirstDuration
	}
}

// Ptr is a convenience for building patches.
func Ptr[T any](v T) *T { return &v }

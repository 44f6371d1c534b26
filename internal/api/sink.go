package api

import (
	"sync"

	"polyglot-sandbox/internal/event"
)

// SwitchSink routes dispatcher output to the sink of the request that
// currently owns the execution slot. Swaps are serialized by the
// handlers' execution lock, so a request never sees another request's
// events.
type SwitchSink struct {
	mu     sync.Mutex
	target event.Sink
}

// NewSwitchSink returns a SwitchSink with no target; writes are
// dropped until a request installs one.
func NewSwitchSink() *SwitchSink {
	return &SwitchSink{}
}

func (s *SwitchSink) swap(target event.Sink) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

func (s *SwitchSink) current() event.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *SwitchSink) AddOutput(rec event.Record) {
	if t := s.current(); t != nil {
		t.AddOutput(rec)
	}
}

func (s *SwitchSink) ClearOutputs() {
	if t := s.current(); t != nil {
		t.ClearOutputs()
	}
}

func (s *SwitchSink) SetExecutionState(patch event.ExecutionPatch) {
	if t := s.current(); t != nil {
		t.SetExecutionState(patch)
	}
}

func (s *SwitchSink) SetCompileState(patch event.CompilePatch) {
	if t := s.current(); t != nil {
		t.SetCompileState(patch)
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"polyglot-sandbox/internal/event"
)

// SSEWriter serializes Server-Sent Events onto a response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter returns nil if the ResponseWriter does not support
// flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// Send writes one SSE event and flushes immediately.
func (s *SSEWriter) Send(eventType, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// SSE requires each line of a multi-line payload to have its own "data:" prefix.
	// Without this, a newline in user output breaks the event boundary and could
	// inject fake SSE events.
	fmt.Fprintf(s.w, "event: %s\n", eventType)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamSink forwards sink writes to an SSE stream while also
// collecting them for the final done payload and the audit record.
type streamSink struct {
	sse       *SSEWriter
	collector *event.Collector
}

func newStreamSink(sse *SSEWriter) *streamSink {
	return &streamSink{sse: sse, collector: event.NewCollector()}
}

func (s *streamSink) AddOutput(rec event.Record) {
	// Stream the stamped event so SSE and REST payloads carry the
	// same id and timestamp.
	ev := s.collector.Append(rec)
	if data, err := json.Marshal(ev); err == nil {
		s.sse.Send("output", string(data))
	}
}

func (s *streamSink) ClearOutputs() {
	s.collector.ClearOutputs()
}

func (s *streamSink) SetExecutionState(patch event.ExecutionPatch) {
	s.collector.SetExecutionState(patch)
	state := s.collector.ExecutionState()
	if data, err := json.Marshal(state); err == nil {
		s.sse.Send("state", string(data))
	}
}

func (s *streamSink) SetCompileState(patch event.CompilePatch) {
	s.collector.SetCompileState(patch)
	state := s.collector.CompileState()
	if data, err := json.Marshal(state); err == nil {
		s.sse.Send("compile", string(data))
	}
}

// sendSSEDone sends a completion event with the final result as JSON.
func sendSSEDone(sse *SSEWriter, data string) {
	sse.Send("done", data)
}

// sendSSEError sends an error event.
func sendSSEError(sse *SSEWriter, errMsg string) {
	sse.Send("error", errMsg)
}

package api

import (
	"net/http/httptest"
	"strings"
	"testing"

	"polyglot-sandbox/internal/event"
)

func TestSwitchSink_DropsWithoutTarget(t *testing.T) {
	s := NewSwitchSink()
	// None of these may panic while no target is installed.
	s.AddOutput(event.Record{Kind: event.KindLog, Origin: event.OriginConsole, Message: "x"})
	s.ClearOutputs()
	s.SetExecutionState(event.ExecutionPatch{Running: event.Ptr(true)})
	s.SetCompileState(event.CompilePatch{Compiling: event.Ptr(true)})
}

func TestSwitchSink_RoutesToCurrentTarget(t *testing.T) {
	s := NewSwitchSink()
	first := event.NewCollector()
	second := event.NewCollector()

	s.swap(first)
	s.AddOutput(event.Record{Kind: event.KindLog, Origin: event.OriginConsole, Message: "for first"})

	s.swap(second)
	s.AddOutput(event.Record{Kind: event.KindLog, Origin: event.OriginConsole, Message: "for second"})
	s.SetExecutionState(event.ExecutionPatch{ExecutionID: event.Ptr("e2")})

	if got := first.Events(); len(got) != 1 || got[0].Message != "for first" {
		t.Errorf("first collector: %+v", got)
	}
	if got := second.Events(); len(got) != 1 || got[0].Message != "for second" {
		t.Errorf("second collector: %+v", got)
	}
	if first.ExecutionState().ExecutionID != "" {
		t.Error("state patch leaked to the previous target")
	}
	if second.ExecutionState().ExecutionID != "e2" {
		t.Error("state patch missed the current target")
	}
}

func TestSSEWriter_MultiLinePayload(t *testing.T) {
	rec := httptest.NewRecorder()
	sse := NewSSEWriter(rec)
	if sse == nil {
		t.Fatal("recorder does not flush")
	}

	if err := sse.Send("output", "line one\nline two"); err != nil {
		t.Fatal(err)
	}

	body := rec.Body.String()
	want := "event: output\ndata: line one\ndata: line two\n\n"
	if body != want {
		t.Errorf("got %q, want %q", body, want)
	}
}

func TestStreamSink_ForwardsAndCollects(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := newStreamSink(NewSSEWriter(rec))

	sink.AddOutput(event.Record{Kind: event.KindLog, Origin: event.OriginConsole, Message: "hello"})
	sink.SetExecutionState(event.ExecutionPatch{Running: event.Ptr(true), ExecutionID: event.Ptr("e1")})
	sink.SetCompileState(event.CompilePatch{Compiling: event.Ptr(false)})

	body := rec.Body.String()
	for _, want := range []string{"event: output", `"message":"hello"`, "event: state", `"execution_id":"e1"`, "event: compile"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q in %q", want, body)
		}
	}

	events := sink.collector.Events()
	if len(events) != 1 || events[0].Message != "hello" {
		t.Errorf("collector: %+v", events)
	}
	if !sink.collector.ExecutionState().Running {
		t.Error("collector state not updated")
	}
}

func TestStreamSink_OutputCarriesIDAndTimestamp(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := newStreamSink(NewSSEWriter(rec))

	sink.AddOutput(event.Record{Kind: event.KindLog, Origin: event.OriginConsole, Message: "hello"})

	stored := sink.collector.Events()
	if len(stored) != 1 || stored[0].ID == "" {
		t.Fatalf("collector did not stamp the event: %+v", stored)
	}

	// The streamed payload is the stored event, id and timestamp
	// included, so SSE and REST consumers see identical records.
	body := rec.Body.String()
	if !strings.Contains(body, stored[0].ID) {
		t.Errorf("stream payload missing the stored event id: %q", body)
	}
	if !strings.Contains(body, `"timestamp":`) {
		t.Errorf("stream payload missing timestamp: %q", body)
	}
}

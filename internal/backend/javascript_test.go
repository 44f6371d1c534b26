package backend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"polyglot-sandbox/internal/event"
)

func jsExecute(t *testing.T, b *JavaScriptBackend, code string) ([]event.Record, error) {
	t.Helper()
	var col recordCollector
	err := b.Execute(context.Background(), Request{
		ExecutionID: "e1",
		Code:        code,
		Timeout:     5 * time.Second,
		Emit:        col.emit,
	})
	return col.records(), err
}

func TestJavaScript_ConsoleOutputOrder(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})
	recs, err := jsExecute(t, b, `
		console.log("first");
		console.warn("second");
		console.error("third");
	`)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	want := []struct {
		kind event.Kind
		msg  string
	}{
		{event.KindLog, "first"},
		{event.KindWarn, "second"},
		{event.KindError, "third"},
	}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, w := range want {
		if recs[i].Kind != w.kind || recs[i].Message != w.msg {
			t.Errorf("record %d: got %s %q, want %s %q", i, recs[i].Kind, recs[i].Message, w.kind, w.msg)
		}
		if recs[i].Origin != event.OriginConsole {
			t.Errorf("record %d: got origin %s, want console", i, recs[i].Origin)
		}
	}
}

func TestJavaScript_ExpressionValueEmitted(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})

	recs, err := jsExecute(t, b, `1 + 2`)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Message != "3" {
		t.Errorf("got %+v, want single record \"3\"", recs)
	}

	// Objects render as JSON.
	recs, err = jsExecute(t, b, `({a: 1, b: "two"})`)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(recs) != 1 || !strings.Contains(recs[0].Message, `"a":1`) {
		t.Errorf("got %+v, want JSON object record", recs)
	}

	// undefined and null produce no result record.
	recs, err = jsExecute(t, b, `undefined`)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("undefined produced records: %+v", recs)
	}
}

func TestJavaScript_SyntaxErrorClassified(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})
	_, err := jsExecute(t, b, `function (`)
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("got %v, want ErrSyntax", err)
	}
}

func TestJavaScript_ThrownValueIsRuntimeError(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})
	_, err := jsExecute(t, b, `throw new Error("boom")`)
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("got %v, want ErrRuntime", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q lost the original message", err)
	}
}

func TestJavaScript_BlockedAPIsRaiseAndRecord(t *testing.T) {
	var gated []string
	b := NewJavaScriptBackend(JSOptions{
		APIGate: func(name string) bool {
			gated = append(gated, name)
			return false
		},
	})

	_, err := jsExecute(t, b, `eval("1")`)
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("got %v, want ErrRuntime from blocked eval", err)
	}
	if len(gated) != 1 || gated[0] != "eval" {
		t.Errorf("gate saw %v, want [eval]", gated)
	}
}

func TestJavaScript_BlockedPropertiesRaise(t *testing.T) {
	var gated []string
	b := NewJavaScriptBackend(JSOptions{
		APIGate: func(name string) bool {
			gated = append(gated, name)
			return false
		},
	})

	for _, code := range []string{`document.title`, `localStorage.getItem("k")`, `window.open()`} {
		if _, err := jsExecute(t, b, code); !errors.Is(err, ErrRuntime) {
			t.Errorf("%s: got %v, want ErrRuntime", code, err)
		}
	}
	if len(gated) != 3 {
		t.Errorf("gate saw %v, want 3 accesses", gated)
	}
}

func TestJavaScript_TimersAreInert(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})
	recs, err := jsExecute(t, b, `
		setTimeout(function() { console.log("never") }, 1);
		console.log("done");
	`)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Message != "done" {
		t.Errorf("got %+v, want only the synchronous log", recs)
	}
}

func TestJavaScript_TimeoutInterruptsLoop(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})

	var col recordCollector
	start := time.Now()
	err := b.Execute(context.Background(), Request{
		ExecutionID: "e1",
		Code:        `while (true) {}`,
		Timeout:     100 * time.Millisecond,
		Emit:        col.emit,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("interrupt took %s", elapsed)
	}
}

func TestJavaScript_LimitCheckInterrupts(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{
		LimitCheck: func() bool { return false },
	})

	var col recordCollector
	err := b.Execute(context.Background(), Request{
		ExecutionID: "e1",
		Code:        `while (true) {}`,
		Timeout:     10 * time.Second,
		Emit:        col.emit,
	})
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("got %v, want ErrRuntime from monitor interrupt", err)
	}
	if !strings.Contains(err.Error(), "security monitor") {
		t.Errorf("error %q does not name the monitor", err)
	}
}

func TestJavaScript_StopInterruptsExecution(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})

	errCh := make(chan error, 1)
	go func() {
		var col recordCollector
		errCh <- b.Execute(context.Background(), Request{
			ExecutionID: "e1",
			Code:        `while (true) {}`,
			Timeout:     10 * time.Second,
			Emit:        col.emit,
		})
	}()

	// Let the loop start, then stop it.
	time.Sleep(50 * time.Millisecond)
	b.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("got %v, want ErrStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution not interrupted by Stop")
	}
}

func TestJavaScript_StopWhenIdleIsSafe(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{})
	b.Stop()
	b.Stop()
}

func TestJavaScript_RecursionDepthCapped(t *testing.T) {
	b := NewJavaScriptBackend(JSOptions{MaxCallStackSize: 64})
	_, err := jsExecute(t, b, `function f() { return f() } f()`)
	if err == nil {
		t.Fatal("unbounded recursion did not fail")
	}
}

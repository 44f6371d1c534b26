package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"polyglot-sandbox/internal/event"
)

// recordCollector gathers emitted records in order.
type recordCollector struct {
	mu   sync.Mutex
	recs []event.Record
}

func (c *recordCollector) emit(rec event.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func (c *recordCollector) records() []event.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Record, len(c.recs))
	copy(out, c.recs)
	return out
}

func TestPythonBackend_OutputOrderPreserved(t *testing.T) {
	eng := &fakeEngine{}
	eng.evalFn = func(ctx context.Context, code string) (string, bool, error) {
		eng.emit("log", "A")
		eng.emit("log", "B")
		eng.emit("log", "C")
		return "", false, nil
	}

	b := NewPythonBackend(func() Engine { return eng })
	defer b.Close()

	var col recordCollector
	err := b.Execute(context.Background(), Request{
		ExecutionID: "e1",
		Code:        `print("A")`,
		Timeout:     5 * time.Second,
		Emit:        col.emit,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	recs := col.records()
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, want := range []string{"A", "B", "C"} {
		if recs[i].Message != want {
			t.Errorf("record %d: got %q, want %q", i, recs[i].Message, want)
		}
		if recs[i].Kind != event.KindLog || recs[i].Origin != event.OriginConsole {
			t.Errorf("record %d: got kind=%s origin=%s", i, recs[i].Kind, recs[i].Origin)
		}
	}
}

func TestPythonBackend_ResultValueEmitted(t *testing.T) {
	eng := &fakeEngine{}
	eng.evalFn = func(ctx context.Context, code string) (string, bool, error) {
		return "7", true, nil
	}

	b := NewPythonBackend(func() Engine { return eng })
	defer b.Close()

	var col recordCollector
	if err := b.Execute(context.Background(), Request{
		ExecutionID: "e1", Code: "3+4", Timeout: 5 * time.Second, Emit: col.emit,
	}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	recs := col.records()
	if len(recs) != 1 || recs[0].Message != "7" {
		t.Fatalf("got records %+v, want single result record", recs)
	}
}

func TestPythonBackend_OutputTypeMapping(t *testing.T) {
	eng := &fakeEngine{}
	eng.evalFn = func(ctx context.Context, code string) (string, bool, error) {
		eng.emit("log", "l")
		eng.emit("error", "e")
		eng.emit("warn", "w")
		eng.emit("info", "i")
		eng.emit("unknown", "u")
		return "", false, nil
	}

	b := NewPythonBackend(func() Engine { return eng })
	defer b.Close()

	var col recordCollector
	if err := b.Execute(context.Background(), Request{
		ExecutionID: "e1", Code: "x", Timeout: 5 * time.Second, Emit: col.emit,
	}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	want := []event.Kind{event.KindLog, event.KindError, event.KindWarn, event.KindInfo, event.KindLog}
	recs := col.records()
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, kind := range want {
		if recs[i].Kind != kind {
			t.Errorf("record %d: got kind %s, want %s", i, recs[i].Kind, kind)
		}
	}
}

func TestPythonBackend_UnbalancedQuotesFailFast(t *testing.T) {
	calls := 0
	b := NewPythonBackend(func() Engine {
		calls++
		return &fakeEngine{}
	})
	defer b.Close()

	err := b.Execute(context.Background(), Request{
		ExecutionID: "e1",
		Code:        `print("oops`,
		Timeout:     time.Second,
		Emit:        func(event.Record) {},
	})
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("got %v, want ErrSyntax", err)
	}
	if calls != 0 {
		t.Error("worker bootstrapped despite failing pre-check")
	}
}

func TestPythonBackend_StopDiscardsWorker(t *testing.T) {
	workers := 0
	b := NewPythonBackend(func() Engine {
		workers++
		return &fakeEngine{}
	})
	defer b.Close()

	run := func() {
		if err := b.Execute(context.Background(), Request{
			ExecutionID: "e", Code: "x", Timeout: time.Second, Emit: func(event.Record) {},
		}); err != nil {
			t.Fatalf("execute failed: %v", err)
		}
	}

	run()
	if workers != 1 {
		t.Fatalf("got %d workers, want 1", workers)
	}

	// Stop twice: idempotent, and the next run bootstraps fresh.
	b.Stop()
	b.Stop()

	run()
	if workers != 2 {
		t.Errorf("got %d workers after stop, want a fresh bootstrap", workers)
	}
}

func TestPythonBackend_WorkerReusedAcrossRuns(t *testing.T) {
	workers := 0
	b := NewPythonBackend(func() Engine {
		workers++
		return &fakeEngine{}
	})
	defer b.Close()

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), Request{
			ExecutionID: "e", Code: "x", Timeout: time.Second, Emit: func(event.Record) {},
		}); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
	if workers != 1 {
		t.Errorf("got %d workers across runs, want 1", workers)
	}
}

func TestStaleMessageGuard(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"result from old execution", Message{Type: MsgResult, ExecutionID: "old"}, true},
		{"complete from old execution", Message{Type: MsgComplete, ExecutionID: "old"}, true},
		{"error from old execution", Message{Type: MsgError, ExecutionID: "old"}, true},
		{"result from current execution", Message{Type: MsgResult, ExecutionID: "cur"}, false},
		{"untagged error passes", Message{Type: MsgError}, false},
		{"output never stale", Message{Type: MsgOutput, ExecutionID: "old"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stale(tt.msg, "cur"); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyPythonError(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{`SyntaxError: invalid syntax`, ErrSyntax},
		{`IndentationError: unexpected indent`, ErrSyntax},
		{`ModuleNotFoundError: No module named 'numpy'`, ErrImport},
		{`ImportError: cannot import name 'x'`, ErrImport},
		{`execution timed out after 100ms`, ErrTimeout},
		{`ZeroDivisionError: division by zero`, ErrRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			err := classifyPythonError(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckQuoteBalance(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"balanced double", `print("hello")`, false},
		{"balanced single", `print('hello')`, false},
		{"unterminated double", `print("hello`, true},
		{"unterminated single", `print('hello`, true},
		{"escaped quote inside", `print("say \"hi\"")`, false},
		{"quote in comment ignored", "x = 1  # it's fine", false},
		{"triple quoted multiline", "s = \"\"\"line1\nline2\"\"\"", false},
		{"newline inside plain string", "s = \"line1\nline2\"", true},
		{"apostrophe inside double", `print("it's")`, false},
		{"empty code", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkQuoteBalance(tt.code)
			if tt.wantErr && !errors.Is(err, ErrSyntax) {
				t.Errorf("got %v, want ErrSyntax", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPythonBackend_LoadPackageIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	b := NewPythonBackend(func() Engine { return eng })
	defer b.Close()

	ctx := context.Background()
	if err := b.LoadPackage(ctx, "numpy"); err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if err := b.LoadPackage(ctx, "numpy"); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if loads := eng.loaded(); len(loads) != 1 {
		t.Errorf("engine saw %v, want one load", loads)
	}
}

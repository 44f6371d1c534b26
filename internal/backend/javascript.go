package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"polyglot-sandbox/internal/event"
)

const limitCheckInterval = 50 * time.Millisecond

// JSOptions wires the in-process backend into the security layer.
type JSOptions struct {
	// APIGate is consulted when code touches blocked surface; it
	// records the violation and returns false to deny.
	APIGate func(name string) bool
	// LimitCheck samples resource limits during execution; returning
	// false interrupts the evaluation.
	LimitCheck func() bool
	// MaxCallStackSize caps recursion depth inside the engine.
	MaxCallStackSize int
}

// JavaScriptBackend evaluates code in-process on an embedded engine
// with a constrained global surface. Because there is no isolation
// boundary, cancellation is cooperative: the engine interrupt fires
// between instructions, so a tight native loop that never yields can
// only be reported, not preempted. Truly adversarial code belongs in
// the worker-isolated variant.
type JavaScriptBackend struct {
	opts JSOptions

	mu sync.Mutex
	vm *goja.Runtime
}

// NewJavaScriptBackend creates the in-process adapter.
func NewJavaScriptBackend(opts JSOptions) *JavaScriptBackend {
	if opts.MaxCallStackSize <= 0 {
		opts.MaxCallStackSize = 1024
	}
	return &JavaScriptBackend{opts: opts}
}

func (b *JavaScriptBackend) Name() string { return "javascript" }

// Execute evaluates code on a fresh engine instance. One evaluation
// per call; output streams through req.Emit.
func (b *JavaScriptBackend) Execute(ctx context.Context, req Request) error {
	vm := goja.New()
	vm.SetMaxCallStackSize(b.opts.MaxCallStackSize)
	b.setupGlobals(vm, req.Emit)

	b.mu.Lock()
	b.vm = vm
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.vm = nil
		b.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)

	go b.watchdog(ctx, vm, req.Timeout, done)

	val, err := vm.RunString(req.Code)
	if err != nil {
		return classifyJSError(err)
	}

	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		req.Emit(event.Record{
			Kind:    event.KindLog,
			Origin:  event.OriginConsole,
			Message: formatValue(val),
		})
	}
	return nil
}

// Stop interrupts the in-flight evaluation, if any. Safe to call when
// idle.
func (b *JavaScriptBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vm != nil {
		b.vm.Interrupt(ErrStopped.Error())
	}
}

func (b *JavaScriptBackend) Close() error {
	b.Stop()
	return nil
}

// watchdog interrupts the engine on timeout, context cancellation or
// a failed resource-limit sample.
func (b *JavaScriptBackend) watchdog(ctx context.Context, vm *goja.Runtime, timeout time.Duration, done <-chan struct{}) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	ticker := time.NewTicker(limitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-timer:
			vm.Interrupt("execution timed out")
			return
		case <-ctx.Done():
			vm.Interrupt(ErrStopped.Error())
			return
		case <-ticker.C:
			if b.opts.LimitCheck != nil && !b.opts.LimitCheck() {
				vm.Interrupt("execution blocked by security monitor")
				return
			}
		}
	}
}

// setupGlobals constrains the engine's surface: a console shim wired
// to output events, inert timers, and blocked surface that raises a
// descriptive error the moment it is touched.
func (b *JavaScriptBackend) setupGlobals(vm *goja.Runtime, emit Emit) {
	console := vm.NewObject()
	console.Set("log", b.makeConsoleFunc(vm, emit, event.KindLog))
	console.Set("info", b.makeConsoleFunc(vm, emit, event.KindInfo))
	console.Set("warn", b.makeConsoleFunc(vm, emit, event.KindWarn))
	console.Set("error", b.makeConsoleFunc(vm, emit, event.KindError))
	vm.Set("console", console)

	// Timers are inert: there is no event loop to schedule onto.
	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	vm.Set("setTimeout", noop)
	vm.Set("setInterval", noop)
	vm.Set("clearTimeout", noop)
	vm.Set("clearInterval", noop)

	// No module system in the sandbox.
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	for _, name := range []string{"eval", "Function", "fetch", "XMLHttpRequest", "WebSocket", "importScripts"} {
		vm.Set(name, b.makeBlockedFunc(vm, name))
	}
	for _, name := range []string{"document", "window", "localStorage", "sessionStorage", "indexedDB", "navigator"} {
		b.defineBlockedProperty(vm, name)
	}
}

func (b *JavaScriptBackend) makeConsoleFunc(vm *goja.Runtime, emit Emit, kind event.Kind) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = formatValue(arg)
		}
		emit(event.Record{
			Kind:    kind,
			Origin:  event.OriginConsole,
			Message: strings.Join(parts, " "),
		})
		return goja.Undefined()
	}
}

func (b *JavaScriptBackend) makeBlockedFunc(vm *goja.Runtime, name string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		b.recordBlocked(name)
		panic(vm.NewTypeError("%s is not available in the sandbox", name))
	}
}

func (b *JavaScriptBackend) defineBlockedProperty(vm *goja.Runtime, name string) {
	getter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		b.recordBlocked(name)
		panic(vm.NewTypeError("%s is not available in the sandbox", name))
	})
	_ = vm.GlobalObject().DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

func (b *JavaScriptBackend) recordBlocked(name string) {
	if b.opts.APIGate != nil {
		b.opts.APIGate(name)
	}
}

// classifyJSError maps engine failures onto the shared taxonomy:
// parse failures as syntax errors, interrupts as timeout/stop, thrown
// values as runtime errors carrying the original message.
func classifyJSError(err error) error {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("%w: %s", ErrSyntax, firstLine(syntaxErr.Error()))
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		reason := fmt.Sprintf("%v", interrupted.Value())
		if strings.Contains(reason, ErrStopped.Error()) {
			return ErrStopped
		}
		if strings.Contains(reason, "blocked by security monitor") {
			return fmt.Errorf("%w: %s", ErrRuntime, reason)
		}
		return fmt.Errorf("%w: %s", ErrTimeout, reason)
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("%w: %s", ErrRuntime, firstLine(exc.Error()))
	}
	return fmt.Errorf("%w: %s", ErrRuntime, err.Error())
}

// formatValue pretty-prints an engine value for output: structured
// values as JSON, everything else via string coercion.
func formatValue(val goja.Value) string {
	if val == nil || goja.IsUndefined(val) {
		return "undefined"
	}
	if goja.IsNull(val) {
		return "null"
	}
	exported := val.Export()
	switch exported.(type) {
	case string, int64, float64, bool:
		return val.String()
	default:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
		return val.String()
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

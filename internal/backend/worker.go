package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Engine is the opaque language runtime hosted inside a worker. The
// worker funnels every native print/error/warn through the emit
// callback installed by Init, so the coordinator sees one unified
// output stream regardless of language.
type Engine interface {
	// Init bootstraps the runtime. May be slow (seconds). The emit
	// callback converts native output into OUTPUT messages.
	Init(emit func(outputType, message string)) error

	// Eval runs code and returns the evaluated value, if any. The
	// context is advisory; an engine that cannot preempt may keep
	// running after cancellation.
	Eval(ctx context.Context, code string) (value string, hasValue bool, err error)

	// LoadPackage makes a dependency available to evaluated code.
	LoadPackage(name string) error

	Close() error
}

// EngineFactory builds a fresh engine for each worker incarnation.
type EngineFactory func() Engine

const defaultPlaceholder = "# nothing to execute"

// Worker hosts an Engine on a dedicated goroutine. The only way in or
// out is the typed message union: Send delivers coordinator messages,
// Messages yields worker messages. There is no shared memory with the
// coordinator; Terminate is the coordinator's forcible teardown and
// the only reliable way to stop a runaway evaluation.
type Worker struct {
	factory EngineFactory

	in         chan Message
	out        chan Message
	quit       chan struct{}
	terminated atomic.Bool
	closeOnce  sync.Once
}

// StartWorker spawns the worker goroutine in the uninitialized state.
// The context becomes ready only after an INIT message succeeds.
func StartWorker(factory EngineFactory) *Worker {
	w := &Worker{
		factory: factory,
		in:      make(chan Message, 16),
		out:     make(chan Message, 64),
		quit:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Send delivers a message to the worker. Messages sent after
// termination are dropped.
func (w *Worker) Send(msg Message) {
	if w.terminated.Load() {
		return
	}
	select {
	case w.in <- msg:
	case <-w.quit:
	}
}

// Messages is the worker's outbound stream.
func (w *Worker) Messages() <-chan Message {
	return w.out
}

// Terminate irrevocably tears the worker down. Idempotent.
func (w *Worker) Terminate() {
	w.closeOnce.Do(func() {
		w.terminated.Store(true)
		close(w.quit)
	})
}

// Terminated reports whether the worker was stopped or torn down.
func (w *Worker) Terminated() bool {
	return w.terminated.Load()
}

func (w *Worker) run() {
	engine := w.factory()
	defer func() {
		if engine != nil {
			if err := engine.Close(); err != nil {
				log.Warn().Err(err).Msg("worker engine close failed")
			}
		}
	}()

	ready := false
	placeholder := defaultPlaceholder
	loaded := make(map[string]struct{})

	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.in:
			switch msg.Type {
			case MsgInit:
				if ready {
					// READY is emitted exactly once per incarnation.
					continue
				}
				if msg.Config != nil && msg.Config.Placeholder != "" {
					placeholder = msg.Config.Placeholder
				}
				if err := engine.Init(w.emitOutput); err != nil {
					// Leave the context uninitialized so a fresh INIT
					// can be retried.
					w.emit(Message{Type: MsgError, Error: fmt.Sprintf("initialization failed: %v", err)})
					continue
				}
				ready = true
				w.emit(Message{Type: MsgReady})

			case MsgExecute:
				if !ready {
					w.emit(Message{Type: MsgError, ExecutionID: msg.ExecutionID, Error: "worker not initialized"})
					continue
				}
				w.handleExecute(engine, msg, placeholder)

			case MsgLoadPackage:
				if !ready {
					w.emit(Message{Type: MsgError, Error: "worker not initialized"})
					continue
				}
				if _, done := loaded[msg.Name]; done {
					// Repeated loads are idempotent no-ops.
					w.emit(Message{Type: MsgPackageLoaded, Name: msg.Name})
					continue
				}
				if err := engine.LoadPackage(msg.Name); err != nil {
					w.emit(Message{Type: MsgError, Error: fmt.Sprintf("loading package %q: %v", msg.Name, err)})
					continue
				}
				loaded[msg.Name] = struct{}{}
				w.emit(Message{Type: MsgPackageLoaded, Name: msg.Name})

			case MsgStop:
				// Cooperative marker only: in-flight callbacks become
				// no-ops. Teardown is the coordinator calling Terminate.
				w.terminated.Store(true)
			}
		}
	}
}

func (w *Worker) handleExecute(engine Engine, msg Message, placeholder string) {
	code := strings.TrimSpace(msg.Code)
	if code == "" {
		code = placeholder
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if msg.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	type evalResult struct {
		value    string
		hasValue bool
		err      error
	}
	done := make(chan evalResult, 1)
	go func() {
		value, hasValue, err := engine.Eval(ctx, code)
		done <- evalResult{value, hasValue, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			w.emit(Message{Type: MsgError, ExecutionID: msg.ExecutionID, Error: res.err.Error()})
			return
		}
		if res.hasValue {
			w.emit(Message{Type: MsgResult, ExecutionID: msg.ExecutionID, Result: res.value})
		}
		w.emit(Message{Type: MsgComplete, ExecutionID: msg.ExecutionID})

	case <-ctx.Done():
		// The timer won. The evaluation may keep running in the
		// background; only terminating the whole worker truly stops it.
		w.emit(Message{
			Type:        MsgError,
			ExecutionID: msg.ExecutionID,
			Error:       fmt.Sprintf("execution timed out after %dms", msg.TimeoutMs),
		})

	case <-w.quit:
	}
}

func (w *Worker) emitOutput(outputType, message string) {
	w.emit(Message{Type: MsgOutput, OutputType: outputType, Message: message})
}

func (w *Worker) emit(msg Message) {
	if w.terminated.Load() {
		return
	}
	select {
	case w.out <- msg:
	default:
		// Never block the worker on a slow coordinator.
		log.Warn().Str("type", string(msg.Type)).Msg("worker output buffer full, message dropped")
	}
}

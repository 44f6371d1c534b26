package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/event"
)

const (
	pythonPlaceholder = "# nothing to execute"
	workerBootTimeout = 30 * time.Second
)

// PythonBackend drives a worker-isolated Python engine through the
// message protocol. The engine itself is opaque and injected; the
// adapter owns error classification, the quote-balance pre-check and
// the stale-message guard.
type PythonBackend struct {
	factory EngineFactory

	// OnBoot, when set, observes how long a worker takes to reach
	// readiness.
	OnBoot func(d time.Duration)

	// BootTimeout bounds worker bootstrap; zero means the default.
	BootTimeout time.Duration

	mu     sync.Mutex
	worker *Worker
	ready  bool
}

// NewPythonBackend creates the adapter. The worker is started lazily
// on the first execution because runtime bootstrap may take seconds.
func NewPythonBackend(factory EngineFactory) *PythonBackend {
	return &PythonBackend{factory: factory}
}

func (b *PythonBackend) Name() string { return "python" }

// Execute runs code in the isolated worker and blocks until the
// execution settles.
func (b *PythonBackend) Execute(ctx context.Context, req Request) error {
	if b.factory == nil {
		return fmt.Errorf("%w: no python engine configured", ErrEngineUnavailable)
	}

	if err := checkQuoteBalance(req.Code); err != nil {
		return err
	}

	worker, err := b.ensureWorker(ctx)
	if err != nil {
		return err
	}

	worker.Send(Message{
		Type:        MsgExecute,
		ExecutionID: req.ExecutionID,
		Code:        req.Code,
		TimeoutMs:   req.Timeout.Milliseconds(),
	})

	for {
		select {
		case <-ctx.Done():
			return ErrStopped
		case msg, ok := <-worker.Messages():
			if !ok {
				return fmt.Errorf("%w: worker terminated", ErrEngineUnavailable)
			}
			if stale(msg, req.ExecutionID) {
				log.Debug().
					Str("type", string(msg.Type)).
					Str("stale_id", msg.ExecutionID).
					Msg("ignoring message from stale execution")
				continue
			}
			switch msg.Type {
			case MsgOutput:
				req.Emit(outputRecord(msg))
			case MsgResult:
				req.Emit(event.Record{Kind: event.KindLog, Origin: event.OriginConsole, Message: msg.Result})
			case MsgComplete:
				return nil
			case MsgError:
				return classifyPythonError(msg.Error)
			}
		}
	}
}

// Stop abandons the in-flight execution. The STOP message flips the
// worker's cooperative flag; terminating and discarding the worker is
// the only reliable way to stop a runaway loop. A fresh worker is
// bootstrapped on the next execution.
func (b *PythonBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.worker == nil {
		return
	}
	b.worker.Send(Message{Type: MsgStop})
	b.worker.Terminate()
	b.worker = nil
	b.ready = false
}

// Close tears down the worker for good.
func (b *PythonBackend) Close() error {
	b.Stop()
	return nil
}

// LoadPackage makes a package available inside the worker. Repeated
// loads of the same name are idempotent.
func (b *PythonBackend) LoadPackage(ctx context.Context, name string) error {
	worker, err := b.ensureWorker(ctx)
	if err != nil {
		return err
	}
	worker.Send(Message{Type: MsgLoadPackage, Name: name})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-worker.Messages():
			if !ok {
				return fmt.Errorf("%w: worker terminated", ErrEngineUnavailable)
			}
			switch msg.Type {
			case MsgPackageLoaded:
				if msg.Name == name {
					return nil
				}
			case MsgError:
				return fmt.Errorf("%w: %s", ErrImport, msg.Error)
			}
		}
	}
}

func (b *PythonBackend) ensureWorker(ctx context.Context) (*Worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.worker != nil && b.ready && !b.worker.Terminated() {
		return b.worker, nil
	}

	if b.worker == nil || b.worker.Terminated() {
		b.worker = StartWorker(b.factory)
		b.ready = false
	}

	bootStart := time.Now()
	b.worker.Send(Message{
		Type:   MsgInit,
		Config: &WorkerConfig{Placeholder: pythonPlaceholder},
	})

	bootTimeout := b.BootTimeout
	if bootTimeout <= 0 {
		bootTimeout = workerBootTimeout
	}
	boot := time.NewTimer(bootTimeout)
	defer boot.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ErrStopped
		case <-boot.C:
			return nil, fmt.Errorf("%w: worker bootstrap timed out", ErrEngineUnavailable)
		case msg, ok := <-b.worker.Messages():
			if !ok {
				return nil, fmt.Errorf("%w: worker terminated during bootstrap", ErrEngineUnavailable)
			}
			switch msg.Type {
			case MsgReady:
				b.ready = true
				if b.OnBoot != nil {
					b.OnBoot(time.Since(bootStart))
				}
				log.Info().Dur("boot", time.Since(bootStart)).Msg("python worker ready")
				return b.worker, nil
			case MsgError:
				// The worker stays up; a fresh INIT can be retried.
				return nil, fmt.Errorf("%w: %s", ErrEngineUnavailable, msg.Error)
			}
		}
	}
}

// stale reports whether an execution-scoped message belongs to a
// different execution than the one currently tracked.
func stale(msg Message, execID string) bool {
	switch msg.Type {
	case MsgResult, MsgComplete, MsgError:
		return msg.ExecutionID != "" && msg.ExecutionID != execID
	default:
		return false
	}
}

func outputRecord(msg Message) event.Record {
	rec := event.Record{Message: msg.Message, Origin: event.OriginConsole}
	switch msg.OutputType {
	case "error":
		rec.Kind = event.KindError
	case "warn":
		rec.Kind = event.KindWarn
	case "info":
		rec.Kind = event.KindInfo
	default:
		rec.Kind = event.KindLog
	}
	return rec
}

// classifyPythonError maps engine error text onto the shared error
// taxonomy so messages can be made actionable. Unrecognized text
// degrades to a plain runtime error carrying the raw message.
func classifyPythonError(raw string) error {
	switch {
	case strings.Contains(raw, "SyntaxError"), strings.Contains(raw, "IndentationError"):
		return fmt.Errorf("%w: %s", ErrSyntax, raw)
	case strings.Contains(raw, "ImportError"), strings.Contains(raw, "ModuleNotFoundError"):
		return fmt.Errorf("%w: %s", ErrImport, raw)
	case strings.Contains(raw, "timed out"):
		return fmt.Errorf("%w: %s", ErrTimeout, raw)
	default:
		return fmt.Errorf("%w: %s", ErrRuntime, raw)
	}
}

// checkQuoteBalance is a best-effort pre-check for unterminated
// string literals, cheaper than a round trip into the worker.
func checkQuoteBalance(code string) error {
	var inSingle, inDouble, inTriple bool
	var tripleQuote byte

	for i := 0; i < len(code); i++ {
		c := code[i]

		if inTriple {
			if c == tripleQuote && strings.HasPrefix(code[i:], strings.Repeat(string(tripleQuote), 3)) {
				inTriple = false
				i += 2
			}
			continue
		}

		switch {
		case c == '\\' && (inSingle || inDouble):
			i++ // skip escaped char
		case c == '#' && !inSingle && !inDouble:
			for i < len(code) && code[i] != '\n' {
				i++
			}
		case (c == '\'' || c == '"') && !inSingle && !inDouble && strings.HasPrefix(code[i:], strings.Repeat(string(c), 3)):
			inTriple = true
			tripleQuote = c
			i += 2
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '\n':
			// Plain string literals cannot span lines.
			if inSingle || inDouble {
				return fmt.Errorf("%w: unterminated string literal", ErrSyntax)
			}
		}
	}

	if inSingle || inDouble {
		return fmt.Errorf("%w: unterminated string literal", ErrSyntax)
	}
	return nil
}

package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/event"
)

// PHPEngine is the opaque interpreter behind the PHP adapter. Run
// streams output through emit and returns once the script settles;
// Reset restores the engine's workflow state between executions.
type PHPEngine interface {
	Run(ctx context.Context, code string, emit func(outputType, message string)) error
	Reset() error
	Close() error
}

// PHPBackend is the thin in-process variant: single evaluation per
// call, no isolation boundary. Cancellation is whatever the engine
// honors through the context.
type PHPBackend struct {
	mu     sync.Mutex
	engine PHPEngine
	cancel context.CancelFunc
}

// NewPHPBackend wraps a host-provided engine. A nil engine yields an
// infrastructure error on execution instead of failing construction,
// so a registry can be assembled before engines are available.
func NewPHPBackend(engine PHPEngine) *PHPBackend {
	return &PHPBackend{engine: engine}
}

func (b *PHPBackend) Name() string { return "php" }

func (b *PHPBackend) Execute(ctx context.Context, req Request) error {
	if b.engine == nil {
		return fmt.Errorf("%w: no php engine configured", ErrEngineUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()

		// Workflow reset: clears any paused interpreter state so the
		// next execution starts clean.
		if err := b.engine.Reset(); err != nil {
			log.Warn().Err(err).Msg("php engine reset failed")
		}
	}()

	code := strings.TrimSpace(req.Code)
	if code == "" {
		req.Emit(event.Record{
			Kind:    event.KindInfo,
			Origin:  event.OriginSystem,
			Message: "nothing to execute",
		})
		return nil
	}

	err := b.engine.Run(runCtx, code, func(outputType, message string) {
		req.Emit(outputRecord(Message{OutputType: outputType, Message: message}))
	})
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: php execution exceeded %s", ErrTimeout, req.Timeout)
		}
		return classifyPHPError(err.Error())
	}
	return nil
}

func (b *PHPBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *PHPBackend) Close() error {
	b.Stop()
	if b.engine != nil {
		return b.engine.Close()
	}
	return nil
}

func classifyPHPError(raw string) error {
	switch {
	case strings.Contains(raw, "Parse error"), strings.Contains(raw, "syntax error"):
		return fmt.Errorf("%w: %s", ErrSyntax, raw)
	case strings.Contains(raw, "Fatal error"):
		return fmt.Errorf("%w: %s", ErrRuntime, raw)
	default:
		return fmt.Errorf("%w: %s", ErrRuntime, raw)
	}
}

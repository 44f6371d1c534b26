package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"polyglot-sandbox/internal/backend"
	"polyglot-sandbox/internal/compiler"
	"polyglot-sandbox/internal/event"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/security"
)

const (
	// DefaultTimeout bounds an execution when the caller supplies none.
	DefaultTimeout = 10 * time.Second

	// MaxCodeBytes rejects pathological submissions up front.
	MaxCodeBytes = 1 << 20

	// watchdogGrace is added to the dispatcher's own watchdog so the
	// backend-internal race (same timeout value) reports first and the
	// watchdog remains the coarse backstop. Both timers derive from
	// the single authoritative timeout.
	watchdogGrace = 250 * time.Millisecond

	maxEventMessage       = 16 * 1024
	maxEventsPerExecution = 1000
)

// Config supplies per-execution settings.
type Config struct {
	Timeout time.Duration
}

// Status is a snapshot of the dispatcher's execution slot.
type Status struct {
	Running     bool      `json:"running"`
	Ready       bool      `json:"ready"`
	ExecutionID string    `json:"execution_id,omitempty"`
	StartTime   time.Time `json:"start_time,omitzero"`
}

type inflight struct {
	id       string
	language string
	start    time.Time
	be       backend.Backend
	stopCh   chan struct{}
	stopOnce sync.Once
	events   int
}

// Dispatcher is the single entry point for code execution: it owns
// the one in-flight execution slot, the per-execution watchdog,
// backend routing and output normalization. It is the sole writer of
// the sink; backends reach it only through their emit callback.
type Dispatcher struct {
	sink     event.Sink
	comp     compiler.Compiler
	registry *backend.Registry
	security *security.Coordinator
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer

	mu        sync.Mutex
	current   *inflight
	destroyed bool

	// firstDuration and firstCompile track the first successful run
	// and compile of the current code+language pair; both reset
	// whenever either changes.
	lastKey       string
	firstDuration time.Duration
	firstCompile  time.Duration
}

// New wires a dispatcher with its collaborators. metrics and tracer
// may be nil.
func New(sink event.Sink, comp compiler.Compiler, registry *backend.Registry, sec *security.Coordinator, metrics *monitor.Metrics, tracer *monitor.Tracer) *Dispatcher {
	return &Dispatcher{
		sink:     sink,
		comp:     comp,
		registry: registry,
		security: sec,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// ExecuteCode runs code in the backend selected by language and
// blocks until the execution settles. Ordinary failures (compile
// errors, security rejections, timeouts, runtime errors) become
// output events and a nil return; the error return is reserved for
// programmer errors such as calling while an execution is in flight.
func (d *Dispatcher) ExecuteCode(ctx context.Context, code string, cfg Config, language string) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return &ExecutionError{Op: "execute", Err: ErrDestroyed}
	}
	if d.current != nil {
		running := d.current.id
		d.mu.Unlock()
		return &ExecutionError{ExecID: running, Op: "execute", Err: ErrAlreadyRunning}
	}

	execID := uuid.New().String()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	key := executionKey(code, language)
	if key != d.lastKey {
		d.lastKey = key
		d.firstDuration = 0
		d.firstCompile = 0
	}

	inf := &inflight{
		id:       execID,
		language: language,
		start:    time.Now(),
		stopCh:   make(chan struct{}),
	}
	d.current = inf
	d.mu.Unlock()

	logger := log.With().
		Str("exec_id", execID).
		Str("language", language).
		Logger()
	logger.Info().Msg("execution requested")

	if d.metrics != nil {
		d.metrics.ActiveExecutions.Inc()
		d.metrics.CodeSizeBytes.Observe(float64(len(code)))
	}

	ctx, span := d.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(language),
	)
	defer span.End()

	emit := d.emitterFor(execID)

	d.sink.ClearOutputs()
	d.sink.SetExecutionState(event.ExecutionPatch{
		Running:     event.Ptr(true),
		Paused:      event.Ptr(false),
		ExecutionID: event.Ptr(execID),
		StartTime:   event.Ptr(inf.start),
	})

	if len(code) > MaxCodeBytes {
		emit(event.Record{
			Kind:    event.KindError,
			Origin:  event.OriginSystem,
			Message: fmt.Sprintf("%s (max %d bytes)", ErrCodeTooLarge, MaxCodeBytes),
		})
		d.finalize(inf, "rejected", false)
		return nil
	}

	be, err := d.registry.Get(language)
	if err != nil {
		emit(event.Record{Kind: event.KindError, Origin: event.OriginSystem, Message: err.Error()})
		d.finalize(inf, "rejected", false)
		return nil
	}
	inf.be = be

	codeToRun := code
	if language == "typescript" {
		compiled, ok := d.compile(code, emit)
		if !ok {
			d.finalize(inf, "compile_error", false)
			return nil
		}
		codeToRun = compiled
	}

	// Pre-flight gate: evaluated exactly once, before any backend
	// resource is allocated.
	check := d.security.CreateSecureExecutionEnvironment(codeToRun)
	if !check.Safe {
		for _, msg := range check.Errors {
			emit(event.Record{Kind: event.KindError, Origin: event.OriginSecurity, Message: msg})
		}
		for _, msg := range check.Warnings {
			emit(event.Record{Kind: event.KindWarn, Origin: event.OriginSecurity, Message: msg})
		}
		logger.Warn().
			Str("risk_level", check.Analysis.RiskLevel.String()).
			Int("issues", len(check.Analysis.Issues)).
			Msg("execution blocked by static analysis")
		if d.metrics != nil {
			d.metrics.RecordSecurityEvent("static_block")
		}
		d.finalize(inf, "blocked", false)
		return nil
	}

	d.security.StartRuntimeMonitoring(timeout)
	defer d.security.StopRuntimeMonitoring()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- be.Execute(execCtx, backend.Request{
			ExecutionID: execID,
			Code:        codeToRun,
			Timeout:     timeout,
			Emit:        emit,
		})
	}()

	watchdog := time.NewTimer(timeout + watchdogGrace)
	defer watchdog.Stop()

	var status string
	select {
	case err := <-done:
		status = d.settle(inf, emit, logger, err)

	case <-watchdog.C:
		emit(event.Record{
			Kind:    event.KindError,
			Origin:  event.OriginTimeout,
			Message: fmt.Sprintf("Execution timed out after %s", timeout),
		})
		// Force-terminate the backend; a worker-isolated backend
		// recreates its context on the next run.
		be.Stop()
		logger.Warn().Dur("timeout", timeout).Msg("watchdog fired, backend terminated")
		status = "timeout"

	case <-d.security.Aborted():
		emit(event.Record{
			Kind:    event.KindError,
			Origin:  event.OriginSecurity,
			Message: "Execution blocked by security monitor",
		})
		be.Stop()
		if d.metrics != nil {
			d.metrics.RecordSecurityEvent("runtime_block")
		}
		status = "blocked"

	case <-inf.stopCh:
		emit(event.Record{Kind: event.KindInfo, Origin: event.OriginSystem, Message: "Execution stopped"})
		status = "stopped"

	case <-ctx.Done():
		be.Stop()
		emit(event.Record{Kind: event.KindInfo, Origin: event.OriginSystem, Message: "Execution stopped"})
		status = "stopped"
	}

	span.SetAttributes(attribute.String("sandbox.status", status))
	d.finalize(inf, status, status == "success")
	return nil
}

// settle translates a backend's terminal error into events and a
// status label.
func (d *Dispatcher) settle(inf *inflight, emit backend.Emit, logger zerolog.Logger, err error) string {
	duration := time.Since(inf.start)

	switch {
	case err == nil:
		emit(event.Record{
			Kind:    event.KindInfo,
			Origin:  event.OriginSystem,
			Message: fmt.Sprintf("Execution completed in %s", duration.Round(time.Millisecond)),
		})
		logger.Info().Dur("duration", duration).Msg("execution completed")
		return "success"

	case backend.IsTimeout(err):
		emit(event.Record{Kind: event.KindError, Origin: event.OriginTimeout, Message: capitalize(err.Error())})
		inf.be.Stop()
		return "timeout"

	case errors.Is(err, backend.ErrStopped):
		emit(event.Record{Kind: event.KindInfo, Origin: event.OriginSystem, Message: "Execution stopped"})
		return "stopped"

	case errors.Is(err, security.ErrExecutionBlocked):
		emit(event.Record{Kind: event.KindError, Origin: event.OriginSecurity, Message: capitalize(err.Error())})
		return "blocked"

	case errors.Is(err, backend.ErrEngineUnavailable):
		emit(event.Record{Kind: event.KindError, Origin: event.OriginError, Message: capitalize(err.Error())})
		logger.Error().Err(err).Msg("backend unavailable")
		return "unavailable"

	default:
		emit(event.Record{Kind: event.KindError, Origin: event.OriginError, Message: capitalize(err.Error())})
		logger.Info().Err(err).Dur("duration", duration).Msg("execution errored")
		return "error"
	}
}

// compile runs the TypeScript step. Returns the compiled code and
// whether execution should proceed.
func (d *Dispatcher) compile(code string, emit backend.Emit) (string, bool) {
	if d.comp == nil {
		emit(event.Record{
			Kind:    event.KindError,
			Origin:  event.OriginError,
			Message: "no TypeScript compiler configured",
		})
		return "", false
	}

	d.sink.SetCompileState(event.CompilePatch{Compiling: event.Ptr(true)})
	res := d.comp.Compile(code, compiler.Options{Target: "es2020"})

	patch := event.CompilePatch{
		Compiling:    event.Ptr(false),
		Errors:       event.Ptr(res.Errors),
		Warnings:     event.Ptr(res.Warnings),
		LastDuration: event.Ptr(res.Duration),
	}
	if res.Success && d.firstCompile == 0 {
		d.firstCompile = res.Duration
		patch.FirstDuration = event.Ptr(res.Duration)
	}
	d.sink.SetCompileState(patch)

	for _, w := range res.Warnings {
		emit(event.Record{Kind: event.KindWarn, Origin: event.OriginConsole, Message: w})
	}
	if !res.Success {
		for _, e := range res.Errors {
			emit(event.Record{Kind: event.KindError, Origin: event.OriginError, Message: e})
		}
		return "", false
	}
	return res.Code, true
}

// StopExecution cancels the in-flight execution, if any. Idempotent
// and safe to call at any time, including when idle.
func (d *Dispatcher) StopExecution() {
	d.mu.Lock()
	inf := d.current
	d.mu.Unlock()
	if inf == nil {
		return
	}
	inf.stopOnce.Do(func() { close(inf.stopCh) })
	if inf.be != nil {
		inf.be.Stop()
	}
}

// Destroy stops any in-flight execution and releases all backends.
func (d *Dispatcher) Destroy() {
	d.StopExecution()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.mu.Unlock()

	if err := d.registry.Close(); err != nil {
		log.Warn().Err(err).Msg("backend close failed during destroy")
	}
}

// Status returns a snapshot of the execution slot.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{Ready: !d.destroyed}
	if d.current != nil {
		s.Running = true
		s.ExecutionID = d.current.id
		s.StartTime = d.current.start
	}
	return s
}

// emitterFor returns an emit bound to one execution. Events from a
// stale or finished execution are dropped, which is the dispatcher
// half of the stale-message guard.
func (d *Dispatcher) emitterFor(execID string) backend.Emit {
	return func(rec event.Record) {
		d.mu.Lock()
		inf := d.current
		if inf == nil || inf.id != execID {
			d.mu.Unlock()
			return
		}
		inf.events++
		n := inf.events
		d.mu.Unlock()

		if n > maxEventsPerExecution {
			if n == maxEventsPerExecution+1 {
				d.writeEvent(event.Record{
					Kind:    event.KindWarn,
					Origin:  event.OriginSystem,
					Message: fmt.Sprintf("output truncated after %d events", maxEventsPerExecution),
				})
			}
			return
		}
		if len(rec.Message) > maxEventMessage {
			rec.Message = rec.Message[:maxEventMessage] + "\n... [output truncated]"
		}
		d.writeEvent(rec)
	}
}

func (d *Dispatcher) writeEvent(rec event.Record) {
	if d.metrics != nil {
		d.metrics.OutputSizeBytes.Observe(float64(len(rec.Message)))
	}
	d.sink.AddOutput(rec)
}

// finalize records duration, clears the slot and returns the state to
// idle. firstDuration is set only on the first success for the
// current code+language pair.
func (d *Dispatcher) finalize(inf *inflight, status string, success bool) {
	duration := time.Since(inf.start)

	d.mu.Lock()
	patch := event.ExecutionPatch{
		Running:      event.Ptr(false),
		LastDuration: event.Ptr(duration),
	}
	if success && d.firstDuration == 0 {
		d.firstDuration = duration
		patch.FirstDuration = event.Ptr(duration)
	}
	if d.current == inf {
		d.current = nil
	}
	d.mu.Unlock()

	d.sink.SetExecutionState(patch)

	if d.metrics != nil {
		d.metrics.ActiveExecutions.Dec()
		d.metrics.RecordExecution(inf.language, status, duration.Seconds())
		switch status {
		case "error", "timeout", "blocked", "compile_error", "unavailable":
			d.metrics.RecordError(status)
		}
	}
}

func executionKey(code, language string) string {
	sum := sha256.Sum256([]byte(code))
	return fmt.Sprintf("%x|%s", sum[:8], language)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}

package security

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrExecutionBlocked is raised when a critical-severity violation
// forces a hard abort. Callers must treat it as terminal for the
// current execution, not as a retryable error.
var ErrExecutionBlocked = errors.New("execution blocked by security monitor")

// ViolationKind classifies a runtime violation.
type ViolationKind string

const (
	ViolationTimeout       ViolationKind = "timeout"
	ViolationMemoryLimit   ViolationKind = "memory_limit"
	ViolationStackOverflow ViolationKind = "stack_overflow"
	ViolationBlockedAPI    ViolationKind = "blocked_api"
	ViolationResourceAbuse ViolationKind = "resource_abuse"
)

// Violation is one entry in the append-only runtime ledger.
type Violation struct {
	Kind      ViolationKind  `json:"kind"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditEventKind classifies an audit-log entry.
type AuditEventKind string

const (
	AuditAnalysis  AuditEventKind = "analysis"
	AuditViolation AuditEventKind = "violation"
	AuditBlock     AuditEventKind = "block"
	AuditAllow     AuditEventKind = "allow"
)

// AuditEvent is one entry in the append-only security audit log.
type AuditEvent struct {
	ID        string          `json:"id"`
	Kind      AuditEventKind  `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Code      string          `json:"code,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Violation *Violation      `json:"violation,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Ledger caps. Oldest entries drop silently when exceeded; this is
// intentional bounded-memory behavior.
const (
	maxViolations  = 100
	maxAuditEvents = 500
)

const (
	memoryCheckInterval = 100 * time.Millisecond
)

// MonitorConfig bounds one execution window.
type MonitorConfig struct {
	MaxExecutionTime time.Duration
	MaxMemoryBytes   uint64
	MaxStackDepth    int
	BlockedAPIs      []string
}

// DefaultMonitorConfig mirrors the dispatcher defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MaxExecutionTime: 10 * time.Second,
		MaxMemoryBytes:   64 << 20, // 64MB delta over baseline
		MaxStackDepth:    256,
		BlockedAPIs: []string{
			"eval", "Function", "XMLHttpRequest", "fetch", "WebSocket",
			"localStorage", "sessionStorage", "indexedDB", "importScripts",
		},
	}
}

// Monitor tracks one execution window: wall-clock duration, sampled
// heap delta and call-stack depth. Recording a critical violation
// stops monitoring immediately and flags the execution as blocked.
type Monitor struct {
	cfg     MonitorConfig
	blocked map[string]struct{}

	mu           sync.Mutex
	active       bool
	blockedFlag  bool
	startTime    time.Time
	baselineHeap uint64
	violations   []Violation
	events       []AuditEvent
	timeoutTimer *time.Timer
	stopCh       chan struct{}
	abortCh      chan struct{}
}

// NewMonitor creates an idle monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	blocked := make(map[string]struct{}, len(cfg.BlockedAPIs))
	for _, name := range cfg.BlockedAPIs {
		blocked[name] = struct{}{}
	}
	return &Monitor{
		cfg:     cfg,
		blocked: blocked,
		abortCh: make(chan struct{}),
	}
}

// Start begins monitoring one execution window bounded by timeout.
// A non-positive timeout falls back to the configured
// MaxExecutionTime. Idempotent: a second call while active is a
// no-op.
func (m *Monitor) Start(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	if timeout <= 0 {
		timeout = m.cfg.MaxExecutionTime
	}
	m.active = true
	m.blockedFlag = false
	m.startTime = time.Now()
	m.baselineHeap = heapInUse()
	m.abortCh = make(chan struct{})
	m.stopCh = make(chan struct{})

	m.timeoutTimer = time.AfterFunc(timeout, func() {
		m.RecordViolation(Violation{
			Kind:     ViolationTimeout,
			Message:  fmt.Sprintf("execution exceeded %s", timeout),
			Severity: SeverityHigh,
		})
	})

	go m.sampleLoop(m.stopCh)
}

// Stop ends monitoring. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if !m.active {
		return
	}
	m.active = false
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

// Active reports whether a window is being monitored.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Blocked reports whether a critical violation aborted the window.
func (m *Monitor) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockedFlag
}

// Aborted is closed when a critical violation forces a hard abort.
func (m *Monitor) Aborted() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abortCh
}

// CheckAPIAccess returns true unless name is in the blocked list, in
// which case it records a blocked_api violation and returns false.
// Cheap enough to call at every sensitive call site.
func (m *Monitor) CheckAPIAccess(name string) bool {
	if _, denied := m.blocked[name]; !denied {
		return true
	}
	m.RecordViolation(Violation{
		Kind:     ViolationBlockedAPI,
		Message:  fmt.Sprintf("access to blocked API %q", name),
		Severity: SeverityHigh,
		Metadata: map[string]any{"api": name},
	})
	return false
}

// CheckResourceLimits samples heap delta and the caller's stack depth.
// Returns false (and records a violation) on any limit breach.
func (m *Monitor) CheckResourceLimits() bool {
	ok := true
	if delta := heapDelta(m.baseline()); m.cfg.MaxMemoryBytes > 0 && delta > m.cfg.MaxMemoryBytes {
		m.RecordViolation(Violation{
			Kind:     ViolationMemoryLimit,
			Message:  fmt.Sprintf("memory delta %d bytes exceeds limit %d", delta, m.cfg.MaxMemoryBytes),
			Severity: SeverityCritical,
			Metadata: map[string]any{"delta_bytes": delta},
		})
		ok = false
	}
	if depth := stackDepth(); m.cfg.MaxStackDepth > 0 && depth > m.cfg.MaxStackDepth {
		m.RecordViolation(Violation{
			Kind:     ViolationStackOverflow,
			Message:  fmt.Sprintf("call-stack depth %d exceeds limit %d", depth, m.cfg.MaxStackDepth),
			Severity: SeverityCritical,
			Metadata: map[string]any{"depth": depth},
		})
		ok = false
	}
	return ok
}

// RecordViolation appends to the capped violation ledger. A critical
// severity stops monitoring and closes the abort channel; callers see
// ErrExecutionBlocked via Err.
func (m *Monitor) RecordViolation(v Violation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.violations = append(m.violations, v)
	if len(m.violations) > maxViolations {
		m.violations = m.violations[len(m.violations)-maxViolations:]
	}
	m.appendEventLocked(AuditEvent{
		Kind:      AuditViolation,
		Violation: &v,
	})

	escalate := v.Severity == SeverityCritical && !m.blockedFlag
	if escalate {
		m.blockedFlag = true
		m.stopLocked()
		close(m.abortCh)
	}
	m.mu.Unlock()

	log.Warn().
		Str("kind", string(v.Kind)).
		Str("severity", v.Severity.String()).
		Msg("runtime violation recorded")

	if escalate {
		log.Error().Str("kind", string(v.Kind)).Msg("critical violation, execution blocked")
	}
}

// RecordAudit appends an entry to the capped audit log.
func (m *Monitor) RecordAudit(ev AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(ev)
}

func (m *Monitor) appendEventLocked(ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.events = append(m.events, ev)
	if len(m.events) > maxAuditEvents {
		m.events = m.events[len(m.events)-maxAuditEvents:]
	}
}

// Err returns ErrExecutionBlocked if a critical violation aborted the
// window, nil otherwise.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockedFlag {
		return ErrExecutionBlocked
	}
	return nil
}

// Violations returns a copy of the violation ledger.
func (m *Monitor) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// AuditEvents returns a copy of the audit log.
func (m *Monitor) AuditEvents() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Reset clears both ledgers. Used between unrelated sessions, never
// mid-execution.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = nil
	m.events = nil
	if m.blockedFlag {
		m.blockedFlag = false
		m.abortCh = make(chan struct{})
	}
}

func (m *Monitor) baseline() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baselineHeap
}

func (m *Monitor) sampleLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if delta := heapDelta(m.baseline()); m.cfg.MaxMemoryBytes > 0 && delta > m.cfg.MaxMemoryBytes {
				m.RecordViolation(Violation{
					Kind:     ViolationMemoryLimit,
					Message:  fmt.Sprintf("memory delta %d bytes exceeds limit %d", delta, m.cfg.MaxMemoryBytes),
					Severity: SeverityCritical,
					Metadata: map[string]any{"delta_bytes": delta},
				})
				return
			}
		}
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

func heapDelta(baseline uint64) uint64 {
	now := heapInUse()
	if now <= baseline {
		return 0
	}
	return now - baseline
}

// stackDepth counts the caller's frames. Sampling happens on the
// goroutine that calls CheckResourceLimits, which for in-process
// backends is the executing goroutine itself.
func stackDepth() int {
	pcs := make([]uintptr, 1024)
	return runtime.Callers(2, pcs)
}

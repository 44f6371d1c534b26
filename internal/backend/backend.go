package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polyglot-sandbox/internal/event"
)

// Sentinel errors for typed error checking across backends.
var (
	ErrTimeout           = errors.New("execution timed out")
	ErrSyntax            = errors.New("syntax error")
	ErrImport            = errors.New("import error")
	ErrRuntime           = errors.New("runtime error")
	ErrStopped           = errors.New("execution stopped")
	ErrEngineUnavailable = errors.New("execution engine unavailable")
	ErrUnsupportedLang   = errors.New("unsupported language")
)

// IsTimeout returns true if the error is an execution timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Emit delivers one output record from a backend to the dispatcher.
// Backends never write shared state directly; this callback is their
// only way out.
type Emit func(rec event.Record)

// Request is one execution handed to a backend adapter.
type Request struct {
	ExecutionID string
	Code        string
	Timeout     time.Duration
	Emit        Emit
}

// Backend evaluates source text in one language. Execute blocks until
// the execution settles, streaming output through req.Emit and
// returning nil on success or a classified error. Stop asks the
// backend to abandon the in-flight execution; for worker-isolated
// backends this forcibly recreates the isolated context.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req Request) error
	Stop()
	Close() error
}

// Registry maps language tags to their Backend implementations.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its language tag.
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

// RegisterAs adds a backend under an explicit tag, which may differ
// from its name. TypeScript reuses the JavaScript backend this way,
// with transpilation happening upstream.
func (r *Registry) RegisterAs(language string, b Backend) {
	r.backends[language] = b
}

// Get returns the backend for the given language.
func (r *Registry) Get(language string) (Backend, error) {
	b, ok := r.backends[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedLang, language, r.Languages())
	}
	return b, nil
}

// Languages returns all registered language tags.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.backends))
	for name := range r.backends {
		langs = append(langs, name)
	}
	return langs
}

// Close releases every registered backend. A backend registered under
// multiple tags is closed once.
func (r *Registry) Close() error {
	var firstErr error
	seen := make(map[Backend]bool, len(r.backends))
	for _, b := range r.backends {
		if seen[b] {
			continue
		}
		seen[b] = true
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

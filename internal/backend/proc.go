package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Subprocess engines back the opaque Engine contracts with local
// interpreter binaries. They are host-provided collaborators for
// trusted local use; the worker protocol and the dispatcher's policy
// layer sit on top regardless of which engine is plugged in.

// SubprocessPythonEngine runs code with a local Python binary.
type SubprocessPythonEngine struct {
	bin  string
	emit func(outputType, message string)
}

// NewSubprocessPythonEngine uses the given interpreter binary, or
// python3 when empty. A missing binary surfaces through Init so the
// worker's INIT reports a retryable infrastructure error.
func NewSubprocessPythonEngine(bin string) *SubprocessPythonEngine {
	if bin == "" {
		bin = "python3"
	}
	return &SubprocessPythonEngine{bin: bin}
}

func (e *SubprocessPythonEngine) Init(emit func(outputType, message string)) error {
	if _, err := exec.LookPath(e.bin); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", e.bin, err)
	}
	e.emit = emit
	return nil
}

func (e *SubprocessPythonEngine) Eval(ctx context.Context, code string) (string, bool, error) {
	dir, err := os.MkdirTemp("", "pyrun-*")
	if err != nil {
		return "", false, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "code.py")
	if err := os.WriteFile(path, []byte(code), 0600); err != nil {
		return "", false, fmt.Errorf("writing code: %w", err)
	}

	// -u for unbuffered output, -B to skip .pyc files.
	cmd := exec.CommandContext(ctx, e.bin, "-u", "-B", path)
	return "", false, e.runStreaming(cmd)
}

func (e *SubprocessPythonEngine) LoadPackage(name string) error {
	return fmt.Errorf("package loading is not supported by the subprocess engine")
}

func (e *SubprocessPythonEngine) Close() error { return nil }

func (e *SubprocessPythonEngine) runStreaming(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting interpreter: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		e.emit("log", scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s", tail(msg, 20))
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		for _, line := range strings.Split(msg, "\n") {
			e.emit("warn", line)
		}
	}
	return nil
}

// SubprocessPHPEngine runs code with a local PHP binary.
type SubprocessPHPEngine struct {
	bin string
}

// NewSubprocessPHPEngine returns an error when the interpreter is not
// installed, so callers can skip registering the backend entirely. An
// empty bin falls back to php.
func NewSubprocessPHPEngine(bin string) (*SubprocessPHPEngine, error) {
	if bin == "" {
		bin = "php"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", bin, err)
	}
	return &SubprocessPHPEngine{bin: bin}, nil
}

func (e *SubprocessPHPEngine) Run(ctx context.Context, code string, emit func(outputType, message string)) error {
	if !strings.HasPrefix(code, "<?") {
		code = "<?php\n" + code
	}

	dir, err := os.MkdirTemp("", "phprun-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "code.php")
	if err := os.WriteFile(path, []byte(code), 0600); err != nil {
		return fmt.Errorf("writing code: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.bin, "-d", "display_errors=stderr", path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting interpreter: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		emit("log", scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s", tail(msg, 20))
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		log.Debug().Str("stderr", tail(msg, 5)).Msg("php wrote to stderr on success")
		for _, line := range strings.Split(msg, "\n") {
			emit("warn", line)
		}
	}
	return nil
}

func (e *SubprocessPHPEngine) Reset() error { return nil }

func (e *SubprocessPHPEngine) Close() error { return nil }

// tail keeps the last n lines of interpreter output so error messages
// stay readable.
func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

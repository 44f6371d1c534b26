package compiler

import (
	"fmt"
	"time"

	"github.com/evanw/esbuild/pkg/api"
)

// Options controls a single transpile step.
type Options struct {
	Target string // e.g. "es2020"
	Format string // e.g. "esm", "cjs"
	Minify bool
}

// Result is the outcome of one transpile step.
type Result struct {
	Success  bool
	Code     string
	Errors   []string
	Warnings []string
	Duration time.Duration
}

// Compiler turns TypeScript into JavaScript. The dispatcher treats it
// as an opaque collaborator; a compile failure short-circuits before
// any execution state transition begins.
type Compiler interface {
	Compile(code string, opts Options) Result
}

// ESBuild is the default Compiler, backed by the esbuild transform
// API (no bundling, single in-memory source).
type ESBuild struct{}

// NewESBuild returns the default compiler.
func NewESBuild() *ESBuild {
	return &ESBuild{}
}

func (c *ESBuild) Compile(code string, opts Options) Result {
	start := time.Now()

	result := api.Transform(code, api.TransformOptions{
		Loader:            api.LoaderTS,
		Target:            targetFor(opts.Target),
		Format:            formatFor(opts.Format),
		MinifyWhitespace:  opts.Minify,
		MinifyIdentifiers: opts.Minify,
		MinifySyntax:      opts.Minify,
	})

	out := Result{Duration: time.Since(start)}
	for _, msg := range result.Errors {
		out.Errors = append(out.Errors, formatMessage(msg))
	}
	for _, msg := range result.Warnings {
		out.Warnings = append(out.Warnings, formatMessage(msg))
	}
	if len(result.Errors) == 0 {
		out.Success = true
		out.Code = string(result.Code)
	}
	return out
}

func formatMessage(msg api.Message) string {
	if msg.Location != nil {
		return fmt.Sprintf("%s (line %d)", msg.Text, msg.Location.Line)
	}
	return msg.Text
}

func targetFor(name string) api.Target {
	switch name {
	case "es2015":
		return api.ES2015
	case "es2017":
		return api.ES2017
	case "es2020", "":
		return api.ES2020
	case "esnext":
		return api.ESNext
	default:
		return api.ES2020
	}
}

func formatFor(name string) api.Format {
	switch name {
	case "esm":
		return api.FormatESModule
	case "cjs":
		return api.FormatCommonJS
	default:
		return api.FormatDefault
	}
}

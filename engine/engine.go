// Package engine holds the compiled patch sets of a process and applies
// them to HTML documents. The proxy, the CLI and the MCP tools all go
// through it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/uipatch/htmldoc"
	"github.com/hazyhaar/uipatch/patch"
)

// Engine is safe for concurrent use: sets are immutable and every call
// gets its own runner and document.
type Engine struct {
	sets   []*patch.Set
	byName map[string]*patch.Set
	opts   []patch.Option
	logger *slog.Logger
}

// New creates an Engine over sets, kept in the given order. opts are
// applied to every runner it creates.
func New(sets []*patch.Set, logger *slog.Logger, opts ...patch.Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		byName: make(map[string]*patch.Set, len(sets)),
		opts:   append([]patch.Option{patch.WithLogger(logger)}, opts...),
		logger: logger,
	}
	for _, s := range sets {
		if s == nil {
			continue
		}
		if _, dup := e.byName[s.Name()]; dup {
			return nil, fmt.Errorf("engine: duplicate set %q", s.Name())
		}
		e.byName[s.Name()] = s
		e.sets = append(e.sets, s)
	}
	return e, nil
}

// Sets returns every set in declaration order.
func (e *Engine) Sets() []*patch.Set { return append([]*patch.Set(nil), e.sets...) }

// Lookup returns the named set.
func (e *Engine) Lookup(name string) (*patch.Set, bool) {
	s, ok := e.byName[name]
	return s, ok
}

// ForPath returns the sets whose paths match a request path, in
// declaration order.
func (e *Engine) ForPath(path string) []*patch.Set {
	var out []*patch.Set
	for _, s := range e.sets {
		if s.MatchPath(path) {
			out = append(out, s)
		}
	}
	return out
}

// Run applies sets to doc in order with a fresh runner.
func (e *Engine) Run(ctx context.Context, doc patch.Document, sets []*patch.Set) []patch.Report {
	runner := patch.NewRunner(e.opts...)
	reports := make([]patch.Report, 0, len(sets))
	for _, s := range sets {
		reports = append(reports, runner.Run(ctx, doc, s))
	}
	return reports
}

// Apply patches an HTML document with the named set, or with every set
// when name is empty, and returns the re-rendered document.
func (e *Engine) Apply(ctx context.Context, src, name string) (string, []patch.Report, error) {
	sets := e.sets
	if name != "" {
		s, ok := e.Lookup(name)
		if !ok {
			return "", nil, fmt.Errorf("engine: unknown set %q", name)
		}
		sets = []*patch.Set{s}
	}
	return e.apply(ctx, src, sets)
}

// ApplyForPath patches an HTML document with the sets matching path.
func (e *Engine) ApplyForPath(ctx context.Context, src, path string) (string, []patch.Report, error) {
	return e.apply(ctx, src, e.ForPath(path))
}

func (e *Engine) apply(ctx context.Context, src string, sets []*patch.Set) (string, []patch.Report, error) {
	doc, err := htmldoc.Parse(strings.NewReader(src))
	if err != nil {
		return "", nil, fmt.Errorf("engine: %w", err)
	}
	reports := e.Run(ctx, doc, sets)
	return doc.String(), reports, nil
}

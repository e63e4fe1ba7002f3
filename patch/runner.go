package patch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/uipatch/idgen"
)

// State is the runner lifecycle: idle between runs, running during one.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// RuleReport says what one rule did during a run.
type RuleReport struct {
	Rule    string `json:"rule"`
	Action  Action `json:"action"`
	Matched int    `json:"matched"`
	Applied int    `json:"applied"`
	// Guarded is true when an insert rule found its guard and did nothing.
	Guarded bool `json:"guarded,omitempty"`
	// Failed counts backend errors, which are swallowed.
	Failed int `json:"failed,omitempty"`
}

// Report summarises one run. It never carries an error: failures are
// counted, logged at debug level and otherwise ignored.
type Report struct {
	RunID    string        `json:"run_id"`
	Set      string        `json:"set"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	// Skipped is true when the runner was already running and this
	// invocation did nothing.
	Skipped bool         `json:"skipped,omitempty"`
	Rules   []RuleReport `json:"rules"`
}

// Applied returns the total number of mutations made by the run.
func (r Report) Applied() int {
	n := 0
	for _, rr := range r.Rules {
		n += rr.Applied
	}
	return n
}

// Sink receives the report of every completed run.
type Sink interface {
	Record(ctx context.Context, rep Report)
}

// Runner executes Sets against Documents. A Runner is idle or running; an
// invocation that arrives while a run is in progress (a readiness handler
// firing re-entrantly) is skipped.
type Runner struct {
	logger *slog.Logger
	newID  idgen.Generator
	sinks  []Sink
	state  atomic.Int32
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithIDGenerator sets the run ID generator. Default: "run_" + UUIDv7.
func WithIDGenerator(g idgen.Generator) Option { return func(r *Runner) { r.newID = g } }

// WithSink adds a report sink.
func WithSink(s Sink) Option { return func(r *Runner) { r.sinks = append(r.sinks, s) } }

// NewRunner creates an idle Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger: slog.Default(),
		newID:  idgen.Prefixed("run_", idgen.Default),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Run applies every rule of set to doc, in order, synchronously. doc must
// be fully parsed. A nil or empty set is a no-op.
func (r *Runner) Run(ctx context.Context, doc Document, set *Set) Report {
	rep := Report{RunID: r.newID(), Started: time.Now()}
	if set != nil {
		rep.Set = set.name
	}
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		rep.Skipped = true
		r.logger.Debug("patch: run skipped, runner busy", "set", rep.Set, "run_id", rep.RunID)
		return rep
	}
	defer r.state.Store(int32(StateIdle))

	if set != nil {
		rep.Rules = make([]RuleReport, 0, len(set.rules))
		for i := range set.rules {
			rep.Rules = append(rep.Rules, r.apply(ctx, doc, &set.rules[i]))
		}
	}
	rep.Duration = time.Since(rep.Started)

	r.logger.Debug("patch: run complete",
		"set", rep.Set, "run_id", rep.RunID, "applied", rep.Applied(), "duration", rep.Duration)
	for _, s := range r.sinks {
		s.Record(ctx, rep)
	}
	return rep
}

func (r *Runner) apply(ctx context.Context, doc Document, rule *compiledRule) RuleReport {
	rr := RuleReport{Rule: rule.Name, Action: rule.Action}

	targets, err := rule.target.find(ctx, doc)
	if err != nil {
		r.fail(&rr, "query target", err)
		return rr
	}
	rr.Matched = len(targets)
	if len(targets) == 0 {
		return rr
	}

	switch rule.Action {
	case Suppress:
		for _, el := range targets {
			if _, done := el.Attr(SuppressedAttr); done {
				continue
			}
			if err := suppress(el); err != nil {
				r.fail(&rr, "suppress", err)
				continue
			}
			rr.Applied++
		}

	case Remove:
		for _, el := range targets {
			if err := el.Remove(); err != nil {
				r.fail(&rr, "remove", err)
				continue
			}
			rr.Applied++
		}

	case Insert:
		existing, err := rule.guard.find(ctx, doc)
		if err != nil {
			r.fail(&rr, "query guard", err)
			return rr
		}
		if len(existing) > 0 {
			rr.Guarded = true
			return rr
		}
		for _, anchor := range targets {
			if err := anchor.Insert(rule.Markup, rule.Position); err != nil {
				r.fail(&rr, "insert", err)
				continue
			}
			rr.Applied++
		}
	}
	return rr
}

func suppress(el Element) error {
	if err := el.SetStyle("pointer-events", "none"); err != nil {
		return err
	}
	if err := el.SetStyle("cursor", "default"); err != nil {
		return err
	}
	return el.SetAttr(SuppressedAttr, "true")
}

func (r *Runner) fail(rr *RuleReport, op string, err error) {
	rr.Failed++
	r.logger.Debug("patch: rule step failed", "rule", rr.Rule, "op", op, "error", err)
}

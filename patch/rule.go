package patch

import (
	"fmt"
	"path"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/uipatch/horosafe"
)

// Action is what a rule does to the elements it targets.
type Action string

const (
	// Suppress neutralises pointer input on every match without removing it.
	Suppress Action = "suppress"
	// Remove detaches every match from its parent.
	Remove Action = "remove"
	// Insert builds a node from markup and inserts it next to every anchor.
	Insert Action = "insert"
)

// Position says where Insert places the new nodes relative to the anchor.
type Position string

const (
	FirstChild Position = "first-child"
	LastChild  Position = "last-child"
	Before     Position = "before"
	After      Position = "after"
)

func (p Position) valid() bool {
	switch p {
	case FirstChild, LastChild, Before, After:
		return true
	}
	return false
}

// SuppressedAttr marks elements already neutralised by a Suppress rule.
const SuppressedAttr = "data-uipatch-suppressed"

// Matcher describes which elements a rule targets. Selector is required;
// the other fields narrow its matches and are combined with AND.
type Matcher struct {
	// Selector is a CSS selector, or an XPath expression when it starts
	// with "/".
	Selector string `yaml:"selector" json:"selector"`

	// Text keeps matches whose visible text contains this string,
	// case-insensitively. Visible copy changes with locale and theme
	// upgrades; prefer a structural selector when the markup has one.
	Text string `yaml:"text,omitempty" json:"text,omitempty"`

	// Has keeps matches with at least one descendant matching this
	// selector, evaluated relative to the match as CSS :has() does.
	Has string `yaml:"has,omitempty" json:"has,omitempty"`

	// Where is a boolean expr-lang expression over tag, id, classes, text
	// and attrs, e.g. `tag == "li" && "open" in classes`.
	Where string `yaml:"where,omitempty" json:"where,omitempty"`

	// First keeps only the first remaining match in document order, like
	// querySelector. Useful with fallback lists such as
	// ".toolbar, [class*=actions]".
	First bool `yaml:"first,omitempty" json:"first,omitempty"`
}

func (m Matcher) String() string {
	var b strings.Builder
	b.WriteString(m.Selector)
	if m.Text != "" {
		fmt.Fprintf(&b, " text~%q", m.Text)
	}
	if m.Has != "" {
		fmt.Fprintf(&b, " has(%s)", m.Has)
	}
	if m.Where != "" {
		fmt.Fprintf(&b, " where(%s)", m.Where)
	}
	if m.First {
		b.WriteString(" first")
	}
	return b.String()
}

// Rule is one named unit of work in a Set.
type Rule struct {
	Name   string  `yaml:"name" json:"name"`
	Action Action  `yaml:"action" json:"action"`
	Target Matcher `yaml:"target" json:"target"`

	// Insert only. Markup is sanitised before use. Guard is required: the
	// rule is a no-op when any element in the document matches it.
	Markup   string   `yaml:"markup,omitempty" json:"markup,omitempty"`
	Position Position `yaml:"position,omitempty" json:"position,omitempty"`
	Guard    Matcher  `yaml:"guard,omitempty" json:"guard,omitempty"`
}

type compiledRule struct {
	Rule
	target *matcher
	guard  *matcher
}

// Set is an ordered, immutable list of rules. Insertion order is execution
// order: a later rule may depend on structure an earlier one created.
type Set struct {
	name  string
	paths []string
	rules []compiledRule
}

// NewSet validates and compiles rules into a Set. paths are URL path globs
// (path.Match syntax) used by callers that pick sets per request; an empty
// list matches every path.
func NewSet(name string, paths []string, rules ...Rule) (*Set, error) {
	if name == "" {
		return nil, fmt.Errorf("patch: set name is required")
	}
	if err := horosafe.ValidateIdentifier(name); err != nil {
		return nil, fmt.Errorf("patch: set name: %w", err)
	}
	for _, p := range paths {
		if _, err := path.Match(p, "/"); err != nil {
			return nil, fmt.Errorf("patch: set %s: bad path pattern %q: %w", name, p, err)
		}
	}

	s := &Set{name: name, paths: append([]string(nil), paths...)}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("patch: set %s: rule %d has no name", name, i)
		}
		if err := horosafe.ValidateIdentifier(r.Name); err != nil {
			return nil, fmt.Errorf("patch: set %s: rule name: %w", name, err)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("patch: set %s: duplicate rule name %q", name, r.Name)
		}
		seen[r.Name] = true

		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("patch: set %s: rule %s: %w", name, r.Name, err)
		}
		s.rules = append(s.rules, cr)
	}
	return s, nil
}

// MustSet is NewSet that panics on error, for sets declared in code.
func MustSet(name string, paths []string, rules ...Rule) *Set {
	s, err := NewSet(name, paths, rules...)
	if err != nil {
		panic(err)
	}
	return s
}

func compileRule(r Rule) (compiledRule, error) {
	cr := compiledRule{Rule: r}
	var err error

	switch r.Action {
	case Suppress, Remove:
	case Insert:
		if strings.TrimSpace(r.Markup) == "" {
			return cr, fmt.Errorf("insert requires markup")
		}
		if r.Guard.Selector == "" {
			return cr, fmt.Errorf("insert requires a guard selector")
		}
		if cr.Position == "" {
			cr.Position = FirstChild
		}
		if !cr.Position.valid() {
			return cr, fmt.Errorf("unknown position %q", r.Position)
		}
		cr.Markup = Sanitize(r.Markup)
		if strings.TrimSpace(cr.Markup) == "" {
			return cr, fmt.Errorf("markup is empty after sanitising")
		}
		if cr.guard, err = compileMatcher(r.Guard); err != nil {
			return cr, fmt.Errorf("guard: %w", err)
		}
	default:
		return cr, fmt.Errorf("unknown action %q", r.Action)
	}

	if cr.target, err = compileMatcher(r.Target); err != nil {
		return cr, fmt.Errorf("target: %w", err)
	}
	return cr, nil
}

// Name returns the set name.
func (s *Set) Name() string { return s.name }

// Len returns the number of rules.
func (s *Set) Len() int { return len(s.rules) }

// Rules returns the rules in execution order. Insert markup is returned
// sanitised.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// Paths returns the URL path globs the set applies to.
func (s *Set) Paths() []string { return append([]string(nil), s.paths...) }

// MatchPath reports whether the set applies to a request path.
func (s *Set) MatchPath(p string) bool {
	if len(s.paths) == 0 {
		return true
	}
	for _, pat := range s.paths {
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
		// "/admin/*" also covers deeper paths such as /admin/users/42.
		if prefix, found := strings.CutSuffix(pat, "/*"); found && strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

var markupPolicy = newMarkupPolicy()

func newMarkupPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class", "id", "title", "role", "aria-label", "aria-hidden").Globally()
	p.AllowDataAttributes()
	// Links point into the patched panel itself.
	p.RequireNoFollowOnLinks(false)

	// Inline icons: shapes only, no script-bearing SVG elements.
	p.AllowElements("svg", "path", "g", "circle", "rect", "line", "polyline", "polygon")
	p.AllowAttrs("viewbox", "width", "height", "xmlns").OnElements("svg")
	p.AllowAttrs("fill", "stroke", "stroke-width", "stroke-linecap", "stroke-linejoin").
		OnElements("svg", "path", "g", "circle", "rect", "line", "polyline", "polygon")
	p.AllowAttrs("d").OnElements("path")
	p.AllowAttrs("cx", "cy", "r").OnElements("circle")
	p.AllowAttrs("x", "y", "rx", "ry").OnElements("rect")
	p.AllowAttrs("x1", "y1", "x2", "y2").OnElements("line")
	p.AllowAttrs("points").OnElements("polyline", "polygon")
	return p
}

// Sanitize strips scripts, event handlers and other active content from
// insert markup. Injected nodes end up in an authenticated admin page.
func Sanitize(markup string) string {
	return markupPolicy.Sanitize(markup)
}

package patch

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// exprEnv is what a Where expression sees for one element.
type exprEnv struct {
	Tag     string            `expr:"tag"`
	ID      string            `expr:"id"`
	Classes []string          `expr:"classes"`
	Text    string            `expr:"text"`
	Attrs   map[string]string `expr:"attrs"`
}

type matcher struct {
	Matcher
	text  string
	where *vm.Program
}

func compileMatcher(m Matcher) (*matcher, error) {
	if strings.TrimSpace(m.Selector) == "" {
		return nil, fmt.Errorf("selector is required")
	}
	cm := &matcher{Matcher: m, text: strings.ToLower(m.Text)}
	if m.Where != "" {
		prog, err := expr.Compile(m.Where, expr.Env(exprEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("where %q: %w", m.Where, err)
		}
		cm.where = prog
	}
	return cm, nil
}

// find queries doc and applies the Text, Has, Where and First filters.
// Order of the returned elements is the document's traversal order.
func (m *matcher) find(ctx context.Context, doc Document) ([]Element, error) {
	els, err := doc.Find(ctx, m.Selector)
	if err != nil {
		return nil, err
	}
	out, err := m.filter(els)
	if err != nil {
		return nil, err
	}
	if m.First && len(out) > 1 {
		out = out[:1]
	}
	return out, nil
}

func (m *matcher) filter(els []Element) ([]Element, error) {
	if m.text == "" && m.Has == "" && m.where == nil {
		return els, nil
	}
	out := els[:0]
	for _, el := range els {
		ok, err := m.accept(el)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, el)
		}
	}
	return out, nil
}

// Filter returns the elements of els that pass the Text, Has and Where
// conditions of m. Selector and First are not applied.
func (m Matcher) Filter(els []Element) ([]Element, error) {
	cm, err := compileMatcher(m)
	if err != nil {
		return nil, err
	}
	return cm.filter(append([]Element(nil), els...))
}

func (m *matcher) accept(el Element) (bool, error) {
	if m.text != "" && !strings.Contains(strings.ToLower(el.Text()), m.text) {
		return false, nil
	}
	if m.Has != "" && !el.Has(m.Has) {
		return false, nil
	}
	if m.where == nil {
		return true, nil
	}
	out, err := expr.Run(m.where, envFor(el))
	if err != nil {
		return false, fmt.Errorf("where %q: %w", m.Where, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// attrLister is implemented by backends that can enumerate attributes;
// without it Where sees only id and class.
type attrLister interface {
	Attrs() map[string]string
}

func envFor(el Element) exprEnv {
	env := exprEnv{Tag: el.Tag(), Text: el.Text()}
	if l, ok := el.(attrLister); ok {
		env.Attrs = l.Attrs()
	} else {
		env.Attrs = make(map[string]string, 2)
		for _, k := range []string{"id", "class"} {
			if v, ok := el.Attr(k); ok {
				env.Attrs[k] = v
			}
		}
	}
	env.ID = env.Attrs["id"]
	env.Classes = strings.Fields(env.Attrs["class"])
	return env
}

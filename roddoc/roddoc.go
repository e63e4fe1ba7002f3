// Package roddoc implements patch.Document over a live Chrome page driven
// by go-rod, so patch sets can be applied to the admin panel exactly as
// the browser renders it, scripts included.
package roddoc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/uipatch/htmldoc"
	"github.com/hazyhaar/uipatch/patch"
)

// Document wraps a rod page.
type Document struct {
	page *rod.Page
}

// New returns a Document over page. The page must have finished loading.
func New(page *rod.Page) *Document {
	return &Document{page: page}
}

// snapshot is what Find reads from each element in a single round trip.
type snapshot struct {
	Tag   string            `json:"tag"`
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs"`
}

const snapshotJS = `() => ({
	tag: this.tagName.toLowerCase(),
	text: (this.innerText || this.textContent || "").replace(/\s+/g, " ").trim(),
	attrs: Object.fromEntries(Array.from(this.attributes).map(a => [a.name, a.value])),
})`

// Find implements patch.Document. Selectors starting with "/" are XPath.
func (d *Document) Find(ctx context.Context, selector string) ([]patch.Element, error) {
	p := d.page.Context(ctx)

	var (
		els rod.Elements
		err error
	)
	if strings.HasPrefix(strings.TrimSpace(selector), "/") {
		els, err = p.ElementsX(selector)
	} else {
		els, err = p.Elements(selector)
	}
	if err != nil {
		return nil, fmt.Errorf("roddoc: find %q: %w", selector, err)
	}

	out := make([]patch.Element, 0, len(els))
	for _, el := range els {
		res, err := el.Eval(snapshotJS)
		if err != nil {
			return nil, fmt.Errorf("roddoc: snapshot: %w", err)
		}
		var snap snapshot
		if err := res.Value.Unmarshal(&snap); err != nil {
			return nil, fmt.Errorf("roddoc: decode snapshot: %w", err)
		}
		out = append(out, &Element{el: el, snap: snap})
	}
	return out, nil
}

// Element is a live element plus the attributes read when it was found.
// Attr reflects mutations made through this handle.
type Element struct {
	el   *rod.Element
	snap snapshot
}

func (e *Element) Tag() string { return e.snap.Tag }

func (e *Element) Attr(name string) (string, bool) {
	v, ok := e.snap.Attrs[name]
	return v, ok
}

// Attrs returns a copy of the attributes.
func (e *Element) Attrs() map[string]string {
	m := make(map[string]string, len(e.snap.Attrs))
	for k, v := range e.snap.Attrs {
		m[k] = v
	}
	return m
}

func (e *Element) Text() string { return e.snap.Text }

const hasJS = `(sel, xpath) => {
	if (xpath) {
		const r = document.evaluate("." + sel, this, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
		return r.singleNodeValue !== null;
	}
	return this.querySelector(sel) !== null;
}`

// scopeSelector anchors every alternative of a CSS selector list at the
// element, so ancestors above it never take part in the match.
func scopeSelector(selector string) string {
	alts := htmldoc.SplitList(selector)
	for i, alt := range alts {
		alts[i] = ":scope " + strings.TrimSpace(alt)
	}
	return strings.Join(alts, ", ")
}

func (e *Element) Has(selector string) bool {
	xpath := strings.HasPrefix(strings.TrimSpace(selector), "/")
	sel := selector
	if !xpath {
		sel = scopeSelector(selector)
	}
	res, err := e.el.Eval(hasJS, sel, xpath)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

func (e *Element) SetStyle(property, value string) error {
	_, err := e.el.Eval(`(p, v) => this.style.setProperty(p, v)`, property, value)
	if err != nil {
		return fmt.Errorf("roddoc: set style %s: %w", property, err)
	}
	return nil
}

func (e *Element) SetAttr(name, value string) error {
	_, err := e.el.Eval(`(n, v) => this.setAttribute(n, v)`, name, value)
	if err != nil {
		return fmt.Errorf("roddoc: set attribute %s: %w", name, err)
	}
	if e.snap.Attrs == nil {
		e.snap.Attrs = make(map[string]string)
	}
	e.snap.Attrs[name] = value
	return nil
}

func (e *Element) Remove() error {
	if err := e.el.Remove(); err != nil {
		return fmt.Errorf("roddoc: remove: %w", err)
	}
	return nil
}

// adjacent maps positions to insertAdjacentHTML arguments.
var adjacent = map[patch.Position]string{
	patch.FirstChild: "afterbegin",
	patch.LastChild:  "beforeend",
	patch.Before:     "beforebegin",
	patch.After:      "afterend",
}

func (e *Element) Insert(markup string, pos patch.Position) error {
	where, ok := adjacent[pos]
	if !ok {
		return fmt.Errorf("roddoc: unknown position %q", pos)
	}
	_, err := e.el.Eval(`(where, html) => this.insertAdjacentHTML(where, html)`, where, markup)
	if err != nil {
		return fmt.Errorf("roddoc: insert: %w", err)
	}
	return nil
}

// Watch applies set to page on the current load and again after every
// subsequent load event, until ctx is done. Reloads and client-side
// navigations that re-render the page fire the readiness signal again;
// the rules are guarded so repeated runs converge.
func Watch(ctx context.Context, page *rod.Page, runner *patch.Runner, set *patch.Set, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	p := page.Context(ctx)
	sig := &patch.Signal{}
	cancel := runner.Bind(ctx, sig, New(p), set)
	defer cancel()

	wait := p.EachEvent(func(e *proto.PageLoadEventFired) {
		logger.Debug("roddoc: load event, re-applying", "set", set.Name())
		sig.Fire()
	})

	if err := p.WaitLoad(); err != nil {
		logger.Warn("roddoc: wait load", "error", err)
	}
	sig.Fire()
	wait()
}

// Package patch applies ordered, idempotent UI patches to a document the
// caller does not own: an admin dashboard rendered by a third-party theme.
//
// A Set is a named, ordered list of Rules defined once at startup. A Runner
// executes a Set against a Document each time a readiness Signal fires.
// Every action is guarded so that running a Set zero, one or N times leaves
// the document in the same state, and no failure is ever surfaced to the
// host page: a rule that finds nothing simply does nothing.
//
// The Document and Element interfaces are the only way the runner touches
// the page. htmldoc implements them over an in-memory x/net/html tree and
// roddoc over a live Chrome page.
package patch

import "context"

// Document is the query surface of a page. Implementations must return
// matches in document traversal order.
type Document interface {
	// Find returns every element matching selector. An empty result is not
	// an error; an error means the selector could not be evaluated.
	Find(ctx context.Context, selector string) ([]Element, error)
}

// Element is a handle on one node of a Document, with the mutation
// primitives the runner needs.
type Element interface {
	Tag() string
	Attr(name string) (string, bool)
	// Text is the element's visible text with whitespace collapsed.
	Text() string
	// Has reports whether a descendant matches selector.
	Has(selector string) bool

	SetStyle(property, value string) error
	SetAttr(name, value string) error
	// Remove detaches the element from its parent.
	Remove() error
	// Insert parses markup and inserts the resulting nodes at pos
	// relative to this element.
	Insert(markup string, pos Position) error
}

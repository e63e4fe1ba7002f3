package patch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/uipatch/htmldoc"
	"github.com/hazyhaar/uipatch/patch"
)

const dashboard = `<!DOCTYPE html>
<html><head><title>Admin</title></head>
<body>
<ul class="menu">
  <li class="menu-item" id="catalog"><span>Catalog</span><ul><li><a href="/p">Products</a></li></ul></li>
  <li class="menu-item" id="orders"><a href="/o">Orders</a></li>
</ul>
<div id="actions"><a class="btn" href="#" data-nav="back">Back</a><button data-role="save">Save</button></div>
<footer><a class="back" href="#">back</a><a class="back" href="#">back</a><a class="back" href="#">back</a></footer>
</body></html>`

func parse(t *testing.T, s string) *htmldoc.Document {
	t.Helper()
	doc, err := htmldoc.ParseString(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func count(t *testing.T, doc *htmldoc.Document, selector string) int {
	t.Helper()
	els, err := doc.Find(context.Background(), selector)
	if err != nil {
		t.Fatalf("Find(%q): %v", selector, err)
	}
	return len(els)
}

var homeIcon = patch.Rule{
	Name:     "home-icon",
	Action:   patch.Insert,
	Target:   patch.Matcher{Selector: "#actions"},
	Markup:   `<span class="home-icon">Home</span>`,
	Position: patch.FirstChild,
	Guard:    patch.Matcher{Selector: ".home-icon"},
}

func TestRun_HomeIconScenario(t *testing.T) {
	doc := parse(t, `<html><body><div id="actions"></div></body></html>`)
	set := patch.MustSet("admin", nil, homeIcon)
	r := patch.NewRunner()
	ctx := context.Background()

	rep := r.Run(ctx, doc, set)
	if rep.Rules[0].Applied != 1 {
		t.Fatalf("first run applied %d, want 1", rep.Rules[0].Applied)
	}
	els, _ := doc.Find(ctx, "#actions > *")
	if len(els) == 0 {
		t.Fatal("#actions has no child")
	}
	if cls, _ := els[0].Attr("class"); cls != "home-icon" {
		t.Fatalf("first child class = %q, want home-icon", cls)
	}

	rep = r.Run(ctx, doc, set)
	if !rep.Rules[0].Guarded || rep.Rules[0].Applied != 0 {
		t.Errorf("second run: guarded=%v applied=%d", rep.Rules[0].Guarded, rep.Rules[0].Applied)
	}
	if n := count(t, doc, "#actions > .home-icon"); n != 1 {
		t.Errorf("home icons after second run = %d, want 1", n)
	}
}

func TestRun_Idempotent(t *testing.T) {
	set := patch.MustSet("admin", nil,
		patch.Rule{Name: "lock-parents", Action: patch.Suppress,
			Target: patch.Matcher{Selector: "li.menu-item", Has: "ul"}},
		patch.Rule{Name: "drop-back", Action: patch.Remove,
			Target: patch.Matcher{Selector: "[data-nav=back]"}},
		homeIcon,
	)
	doc := parse(t, dashboard)
	r := patch.NewRunner()
	ctx := context.Background()

	r.Run(ctx, doc, set)
	once := doc.String()
	for i := 0; i < 3; i++ {
		r.Run(ctx, doc, set)
	}
	if diff := cmp.Diff(once, doc.String()); diff != "" {
		t.Errorf("document changed on re-run (-once +many):\n%s", diff)
	}
}

func TestRun_OrderMatters(t *testing.T) {
	toolbar := patch.Rule{
		Name:     "toolbar",
		Action:   patch.Insert,
		Target:   patch.Matcher{Selector: "body"},
		Markup:   `<div id="toolbar"></div>`,
		Position: patch.FirstChild,
		Guard:    patch.Matcher{Selector: "#toolbar"},
	}
	icon := patch.Rule{
		Name:   "icon",
		Action: patch.Insert,
		Target: patch.Matcher{Selector: "#toolbar"},
		Markup: `<span class="home-icon">Home</span>`,
		Guard:  patch.Matcher{Selector: ".home-icon"},
	}
	ctx := context.Background()

	t.Run("anchor first", func(t *testing.T) {
		doc := parse(t, `<html><body></body></html>`)
		patch.NewRunner().Run(ctx, doc, patch.MustSet("s", nil, toolbar, icon))
		if n := count(t, doc, "#toolbar > .home-icon"); n != 1 {
			t.Errorf("icons = %d, want 1", n)
		}
	})

	t.Run("anchor second", func(t *testing.T) {
		doc := parse(t, `<html><body></body></html>`)
		rep := patch.NewRunner().Run(ctx, doc, patch.MustSet("s", nil, icon, toolbar))
		if rep.Rules[0].Matched != 0 || rep.Rules[0].Applied != 0 {
			t.Errorf("icon rule should be a no-op, got %+v", rep.Rules[0])
		}
		if n := count(t, doc, "#toolbar"); n != 1 {
			t.Errorf("toolbars = %d, want 1", n)
		}
		if n := count(t, doc, ".home-icon"); n != 0 {
			t.Errorf("icons = %d, want 0", n)
		}
	})
}

func TestRun_NoMatch(t *testing.T) {
	set := patch.MustSet("admin", nil,
		patch.Rule{Name: "a", Action: patch.Suppress, Target: patch.Matcher{Selector: ".missing"}},
		patch.Rule{Name: "b", Action: patch.Remove, Target: patch.Matcher{Selector: "#gone"}},
		patch.Rule{Name: "c", Action: patch.Insert, Target: patch.Matcher{Selector: "#nowhere"},
			Markup: "<i>x</i>", Guard: patch.Matcher{Selector: "i.x"}},
	)
	doc := parse(t, dashboard)
	before := doc.String()

	rep := patch.NewRunner().Run(context.Background(), doc, set)
	if rep.Applied() != 0 {
		t.Errorf("applied = %d, want 0", rep.Applied())
	}
	for _, rr := range rep.Rules {
		if rr.Failed != 0 {
			t.Errorf("rule %s failed %d times", rr.Rule, rr.Failed)
		}
	}
	if doc.String() != before {
		t.Error("document mutated by rules that matched nothing")
	}
}

func TestRun_EmptyAndNilSet(t *testing.T) {
	doc := parse(t, dashboard)
	before := doc.String()
	r := patch.NewRunner()

	if rep := r.Run(context.Background(), doc, nil); len(rep.Rules) != 0 {
		t.Errorf("nil set produced %d rule reports", len(rep.Rules))
	}
	if rep := r.Run(context.Background(), doc, patch.MustSet("empty", nil)); len(rep.Rules) != 0 {
		t.Errorf("empty set produced %d rule reports", len(rep.Rules))
	}
	if doc.String() != before {
		t.Error("document mutated by empty set")
	}
}

func TestRun_RemoveAllMatches(t *testing.T) {
	doc := parse(t, dashboard)
	if n := count(t, doc, "a.back"); n != 3 {
		t.Fatalf("fixture has %d back links, want 3", n)
	}
	set := patch.MustSet("s", nil,
		patch.Rule{Name: "drop", Action: patch.Remove, Target: patch.Matcher{Selector: "a.back"}})

	rep := patch.NewRunner().Run(context.Background(), doc, set)
	if rep.Rules[0].Matched != 3 || rep.Rules[0].Applied != 3 {
		t.Errorf("report = %+v, want 3 matched and applied", rep.Rules[0])
	}
	if n := count(t, doc, "a.back"); n != 0 {
		t.Errorf("back links left = %d", n)
	}
}

func TestRun_SuppressKeepsNodes(t *testing.T) {
	doc := parse(t, dashboard)
	before := doc.NodeCount()
	set := patch.MustSet("s", nil,
		patch.Rule{Name: "lock", Action: patch.Suppress, Target: patch.Matcher{Selector: "li.menu-item", Has: "ul"}})

	rep := patch.NewRunner().Run(context.Background(), doc, set)
	if doc.NodeCount() < before {
		t.Errorf("node count dropped from %d to %d", before, doc.NodeCount())
	}
	if rep.Rules[0].Applied != 1 {
		t.Fatalf("applied = %d, want 1 (only #catalog has a submenu)", rep.Rules[0].Applied)
	}

	els, _ := doc.Find(context.Background(), "#catalog")
	el := els[0].(*htmldoc.Element)
	if v, _ := el.Style("pointer-events"); v != "none" {
		t.Errorf("pointer-events = %q, want none", v)
	}
	if v, _ := el.Style("cursor"); v != "default" {
		t.Errorf("cursor = %q, want default", v)
	}
	if _, ok := el.Attr(patch.SuppressedAttr); !ok {
		t.Error("suppression marker missing")
	}
	if n := count(t, doc, "#orders[style]"); n != 0 {
		t.Error("#orders has no submenu and must stay interactive")
	}
}

func TestRun_TextFallback(t *testing.T) {
	doc := parse(t, dashboard)
	set := patch.MustSet("s", nil, patch.Rule{
		Name:   "drop-back-by-text",
		Action: patch.Remove,
		Target: patch.Matcher{Selector: "#actions > *", Text: "BACK"},
	})
	patch.NewRunner().Run(context.Background(), doc, set)

	if n := count(t, doc, "#actions > a"); n != 0 {
		t.Error("back link should be removed")
	}
	if n := count(t, doc, "#actions > button"); n != 1 {
		t.Error("save button must survive")
	}
}

func TestRun_WhereExpression(t *testing.T) {
	doc := parse(t, dashboard)
	set := patch.MustSet("s", nil, patch.Rule{
		Name:   "lock-save",
		Action: patch.Suppress,
		Target: patch.Matcher{Selector: "#actions > *", Where: `tag == "button" && attrs["data-role"] == "save"`},
	})
	rep := patch.NewRunner().Run(context.Background(), doc, set)
	if rep.Rules[0].Matched != 1 || rep.Rules[0].Applied != 1 {
		t.Fatalf("report = %+v", rep.Rules[0])
	}
	if n := count(t, doc, "button[data-uipatch-suppressed]"); n != 1 {
		t.Error("save button not suppressed")
	}
}

func TestRun_WhereClasses(t *testing.T) {
	doc := parse(t, dashboard)
	set := patch.MustSet("s", nil, patch.Rule{
		Name:   "drop-btn",
		Action: patch.Remove,
		Target: patch.Matcher{Selector: "a", Where: `"btn" in classes`},
	})
	patch.NewRunner().Run(context.Background(), doc, set)
	if n := count(t, doc, "a.btn"); n != 0 {
		t.Errorf("a.btn left = %d", n)
	}
	if n := count(t, doc, "a.back"); n != 3 {
		t.Errorf("a.back left = %d, want 3", n)
	}
}

func TestRun_InsertSanitised(t *testing.T) {
	doc := parse(t, `<html><body><div id="actions"></div></body></html>`)
	set := patch.MustSet("s", nil, patch.Rule{
		Name:   "icon",
		Action: patch.Insert,
		Target: patch.Matcher{Selector: "#actions"},
		Markup: `<span class="home-icon" onclick="steal()">Home</span><script>alert(1)</script>`,
		Guard:  patch.Matcher{Selector: ".home-icon"},
	})
	patch.NewRunner().Run(context.Background(), doc, set)

	out := doc.String()
	if strings.Contains(out, "onclick") || strings.Contains(out, "<script") {
		t.Errorf("active content survived sanitising: %s", out)
	}
	if n := count(t, doc, "span.home-icon"); n != 1 {
		t.Errorf("icon count = %d, want 1", n)
	}
}

func TestRun_FirstMatchOnly(t *testing.T) {
	doc := parse(t, `<html><body><div class="bar"><div class="page-actions"><span class="actions-item">x</span></div></div></body></html>`)
	set := patch.MustSet("s", nil, patch.Rule{
		Name:   "icon",
		Action: patch.Insert,
		Target: patch.Matcher{Selector: ".bar .toolbar, .bar [class*=actions]", First: true},
		Markup: `<a class="home-icon" href="/">Home</a>`,
		Guard:  patch.Matcher{Selector: ".home-icon"},
	})
	rep := patch.NewRunner().Run(context.Background(), doc, set)
	if rep.Rules[0].Matched != 1 || rep.Rules[0].Applied != 1 {
		t.Fatalf("report = %+v", rep.Rules[0])
	}
	if n := count(t, doc, ".page-actions > .home-icon"); n != 1 {
		t.Errorf("icon under first anchor = %d, want 1", n)
	}
	if n := count(t, doc, ".home-icon"); n != 1 {
		t.Errorf("icons = %d, want 1", n)
	}
}

func TestSanitize_InlineIcon(t *testing.T) {
	in := `<a href="/admin/" class="home-icon"><svg width="20" height="20" fill="currentColor" viewBox="0 0 24 24" onload="steal()">` +
		`<path d="M10 20v-6h4v6h5v-8h3L12 3 2 12h3v8z"/><script>alert(1)</script></svg></a>`
	out := patch.Sanitize(in)

	for _, want := range []string{"<svg", `viewbox="0 0 24 24"`, `fill="currentColor"`, `d="M10 20v-6h4v6h5v-8h3L12 3 2 12h3v8z"`} {
		if !strings.Contains(out, want) {
			t.Errorf("sanitised markup lost %s: %s", want, out)
		}
	}
	for _, bad := range []string{"onload", "<script", "nofollow"} {
		if strings.Contains(out, bad) {
			t.Errorf("sanitised markup kept %s: %s", bad, out)
		}
	}
}

func TestNewSet_Validation(t *testing.T) {
	tests := []struct {
		name string
		rule patch.Rule
	}{
		{"no name", patch.Rule{Action: patch.Remove, Target: patch.Matcher{Selector: "a"}}},
		{"name with space", patch.Rule{Name: "hide back", Action: patch.Remove, Target: patch.Matcher{Selector: "a"}}},
		{"unknown action", patch.Rule{Name: "x", Action: "hide", Target: patch.Matcher{Selector: "a"}}},
		{"no selector", patch.Rule{Name: "x", Action: patch.Remove}},
		{"insert without markup", patch.Rule{Name: "x", Action: patch.Insert,
			Target: patch.Matcher{Selector: "a"}, Guard: patch.Matcher{Selector: "b"}}},
		{"insert without guard", patch.Rule{Name: "x", Action: patch.Insert,
			Target: patch.Matcher{Selector: "a"}, Markup: "<i>x</i>"}},
		{"insert bad position", patch.Rule{Name: "x", Action: patch.Insert, Position: "inside",
			Target: patch.Matcher{Selector: "a"}, Markup: "<i>x</i>", Guard: patch.Matcher{Selector: "i"}}},
		{"markup only script", patch.Rule{Name: "x", Action: patch.Insert,
			Target: patch.Matcher{Selector: "a"}, Markup: "<script>x()</script>", Guard: patch.Matcher{Selector: "i"}}},
		{"bad where", patch.Rule{Name: "x", Action: patch.Remove,
			Target: patch.Matcher{Selector: "a", Where: "tag =="}}},
		{"where not bool", patch.Rule{Name: "x", Action: patch.Remove,
			Target: patch.Matcher{Selector: "a", Where: "tag"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := patch.NewSet("s", nil, tt.rule); err == nil {
				t.Error("expected error")
			}
		})
	}

	dup := patch.Rule{Name: "x", Action: patch.Remove, Target: patch.Matcher{Selector: "a"}}
	if _, err := patch.NewSet("s", nil, dup, dup); err == nil {
		t.Error("duplicate rule names should be rejected")
	}
	if _, err := patch.NewSet("", nil); err == nil {
		t.Error("empty set name should be rejected")
	}
	if _, err := patch.NewSet("admin/users", nil); err == nil {
		t.Error("set name with a slash should be rejected")
	}
	if _, err := patch.NewSet("s", []string{"[bad"}); err == nil {
		t.Error("bad path glob should be rejected")
	}
}

func TestSet_MatchPath(t *testing.T) {
	all := patch.MustSet("all", nil)
	if !all.MatchPath("/anything") {
		t.Error("set without paths should match everything")
	}

	admin := patch.MustSet("admin", []string{"/admin/*", "/login"})
	for p, want := range map[string]bool{
		"/admin/orders":    true,
		"/admin/users/42":  true,
		"/login":           true,
		"/administrator/x": false,
		"/public":          false,
	} {
		if got := admin.MatchPath(p); got != want {
			t.Errorf("MatchPath(%q) = %v, want %v", p, got, want)
		}
	}
}

// failingDoc returns errors from every query.
type failingDoc struct{}

func (failingDoc) Find(context.Context, string) ([]patch.Element, error) {
	return nil, errors.New("backend gone")
}

func TestRun_BackendErrorsAreSwallowed(t *testing.T) {
	set := patch.MustSet("s", nil, homeIcon,
		patch.Rule{Name: "drop", Action: patch.Remove, Target: patch.Matcher{Selector: "a"}})
	rep := patch.NewRunner().Run(context.Background(), failingDoc{}, set)
	if len(rep.Rules) != 2 {
		t.Fatalf("rules reported = %d, want 2 (a failing rule must not stop the run)", len(rep.Rules))
	}
	for _, rr := range rep.Rules {
		if rr.Failed != 1 {
			t.Errorf("rule %s failed = %d, want 1", rr.Rule, rr.Failed)
		}
	}
}

// reentrantDoc triggers a nested run from inside a query.
type reentrantDoc struct {
	*htmldoc.Document
	runner *patch.Runner
	set    *patch.Set
	nested *patch.Report
}

func (d *reentrantDoc) Find(ctx context.Context, sel string) ([]patch.Element, error) {
	if d.nested == nil {
		rep := d.runner.Run(ctx, d, d.set)
		d.nested = &rep
	}
	return d.Document.Find(ctx, sel)
}

func TestRun_ReentrantInvocationSkipped(t *testing.T) {
	r := patch.NewRunner()
	set := patch.MustSet("s", nil,
		patch.Rule{Name: "drop", Action: patch.Remove, Target: patch.Matcher{Selector: "a.back"}})
	doc := &reentrantDoc{Document: parse(t, dashboard), runner: r, set: set}

	if r.State() != patch.StateIdle {
		t.Fatalf("state before run = %v", r.State())
	}
	rep := r.Run(context.Background(), doc, set)
	if doc.nested == nil || !doc.nested.Skipped {
		t.Fatalf("nested run should be skipped, got %+v", doc.nested)
	}
	if rep.Skipped || rep.Rules[0].Applied != 3 {
		t.Errorf("outer run = %+v", rep)
	}
	if r.State() != patch.StateIdle {
		t.Errorf("state after run = %v, want idle", r.State())
	}
}

type recordingSink struct {
	mu      sync.Mutex
	reports []patch.Report
}

func (s *recordingSink) Record(_ context.Context, rep patch.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, rep)
}

func TestSignal_BindRunsOnEveryFiring(t *testing.T) {
	sink := &recordingSink{}
	r := patch.NewRunner(patch.WithSink(sink))
	doc := parse(t, `<html><body><div id="actions"></div></body></html>`)
	sig := &patch.Signal{}

	cancel := r.Bind(context.Background(), sig, doc, patch.MustSet("admin", nil, homeIcon))
	sig.Fire()
	sig.Fire()

	if sig.Fired() != 2 {
		t.Errorf("Fired = %d, want 2", sig.Fired())
	}
	if len(sink.reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(sink.reports))
	}
	if sink.reports[0].Applied() != 1 || sink.reports[1].Applied() != 0 {
		t.Errorf("applied per firing = %d, %d; want 1, 0",
			sink.reports[0].Applied(), sink.reports[1].Applied())
	}
	if n := count(t, doc, ".home-icon"); n != 1 {
		t.Errorf("icons after duplicate firing = %d, want 1", n)
	}

	cancel()
	cancel()
	sig.Fire()
	if len(sink.reports) != 2 {
		t.Errorf("handler ran after cancel")
	}
}

func TestSignal_CancelledContext(t *testing.T) {
	sink := &recordingSink{}
	r := patch.NewRunner(patch.WithSink(sink))
	ctx, cancel := context.WithCancel(context.Background())
	sig := &patch.Signal{}
	r.Bind(ctx, sig, parse(t, dashboard), patch.MustSet("s", nil))

	cancel()
	sig.Fire()
	if len(sink.reports) != 0 {
		t.Error("run should not start after context cancellation")
	}
}

func TestSet_RulesAreCopies(t *testing.T) {
	set := patch.MustSet("s", []string{"/a"}, homeIcon)
	rules := set.Rules()
	rules[0].Name = "mutated"
	paths := set.Paths()
	paths[0] = "/b"

	if set.Rules()[0].Name != "home-icon" {
		t.Error("Set.Rules exposed internal state")
	}
	if set.Paths()[0] != "/a" {
		t.Error("Set.Paths exposed internal state")
	}
	if set.Len() != 1 || set.Name() != "s" {
		t.Errorf("Len=%d Name=%q", set.Len(), set.Name())
	}
}

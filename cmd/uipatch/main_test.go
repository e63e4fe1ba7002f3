package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/uipatch/patchconf"
)

func TestRenderDiff(t *testing.T) {
	before := "<div>\n<a class=\"btn-back\">Back</a>\n<a>Save</a>\n</div>\n"
	after := "<div>\n<a>Save</a>\n</div>\n"

	got := renderDiff(before, after)
	if !strings.Contains(got, "- <a class=\"btn-back\">Back</a>\n") {
		t.Errorf("missing deletion:\n%s", got)
	}
	if !strings.Contains(got, "  <a>Save</a>\n") {
		t.Errorf("missing unchanged line:\n%s", got)
	}
	if strings.Contains(got, "+ ") {
		t.Errorf("unexpected insertion:\n%s", got)
	}
}

func TestPatchFileBuiltin(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "page.html")
	out := filepath.Join(dir, "out.html")
	page := `<html><body><div class="unfold-header"><div class="unfold-header-actions"></div></div></body></html>`
	if err := os.WriteFile(in, []byte(page), 0o644); err != nil {
		t.Fatal(err)
	}

	o := options{builtin: "unfold-admin", in: in, out: out}
	cfg, err := loadConfig(o)
	if err != nil {
		t.Fatal(err)
	}
	a, err := newApp(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()

	if err := a.patchFile(context.Background(), o); err != nil {
		t.Fatalf("patchFile: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(data), "home-icon") != 1 {
		t.Errorf("patched output:\n%s", data)
	}
}

func TestLoadConfig_BuiltinAlsoInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uipatch.yaml")
	if err := os.WriteFile(path, []byte("builtin: [unfold-admin]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(options{configPath: path, builtin: "unfold-admin"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Builtin) != 1 {
		t.Fatalf("Builtin = %v, want a single entry", cfg.Builtin)
	}
	a, err := newApp(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	if err := a.buildEngine(); err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
}

func TestPlugins(t *testing.T) {
	a := &app{cfg: &patchconf.Config{}, logger: slog.Default()}

	if _, err := a.plugins([]string{"nope"}); err == nil {
		t.Error("unknown plugin: expected error")
	}

	ps, err := a.plugins([]string{"report-stdout", "runlog-prune"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ps[0].Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(a.sinks) != 1 {
		t.Errorf("sinks = %d, want 1", len(a.sinks))
	}
	if err := ps[1].Register(context.Background()); err == nil {
		t.Error("runlog-prune without database: expected error")
	}
}

func TestMapsHandle(t *testing.T) {
	m := &mapsHandle{logger: slog.Default()}
	if err := m.ProvideAPIKey("  "); err == nil {
		t.Error("blank key: expected error")
	}
	if err := m.ProvideAPIKey("k-123"); err != nil || m.key != "k-123" {
		t.Errorf("ProvideAPIKey: %v, key %q", err, m.key)
	}
}

// Package live keeps patch sets applied to pages open in a real Chrome.
// Each configured page gets its own tab and runner; every load event of
// the tab re-runs its set.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/uipatch/horosafe"
	"github.com/hazyhaar/uipatch/live/internal/browser"
	"github.com/hazyhaar/uipatch/patch"
	"github.com/hazyhaar/uipatch/roddoc"
)

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string   `yaml:"remote"`
	Headful          bool     `yaml:"headful"`
	Stealth          bool     `yaml:"stealth"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// PageConfig binds a URL to the set applied to it.
type PageConfig struct {
	URL string `yaml:"url"`
	Set string `yaml:"set"`
}

// Config is the live mode configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Pages   []PageConfig  `yaml:"pages"`
}

// SetLookup resolves a set by name.
type SetLookup func(name string) (*patch.Set, bool)

// Watcher owns the browser and one watch loop per page.
type Watcher struct {
	cfg    Config
	lookup SetLookup
	mgr    *browser.Manager
	opts   []patch.Option
	logger *slog.Logger

	mu    sync.Mutex
	pages []*rod.Page
	wg    sync.WaitGroup
}

// New creates a Watcher. opts are passed to every page's runner.
func New(cfg Config, lookup SetLookup, logger *slog.Logger, opts ...patch.Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		lookup: lookup,
		opts:   append([]patch.Option{patch.WithLogger(logger)}, opts...),
		logger: logger,
	}
}

// Validate checks the resource block list and that every page has a safe
// URL and names a known set.
func (w *Watcher) Validate() error {
	if _, err := browser.ParseBlockList(w.cfg.Browser.ResourceBlocking); err != nil {
		return fmt.Errorf("live: %w", err)
	}
	if len(w.cfg.Pages) == 0 {
		return fmt.Errorf("live: no pages configured")
	}
	for _, p := range w.cfg.Pages {
		if p.URL == "" {
			return fmt.Errorf("live: page without url")
		}
		if _, err := horosafe.ValidateURL(p.URL); err != nil {
			return fmt.Errorf("live: page %s: %w", p.URL, err)
		}
		if _, ok := w.lookup(p.Set); !ok {
			return fmt.Errorf("live: page %s: unknown set %q", p.URL, p.Set)
		}
	}
	return nil
}

// Start launches the browser and opens every configured page. Pages that
// fail to open are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Validate(); err != nil {
		return err
	}
	block, _ := browser.ParseBlockList(w.cfg.Browser.ResourceBlocking)
	w.mgr = browser.NewManager(browser.Config{
		RemoteURL: w.cfg.Browser.Remote,
		Headful:   w.cfg.Browser.Headful,
		Stealth:   w.cfg.Browser.Stealth,
		Block:     block,
		Logger:    w.logger,
	})
	if _, err := w.mgr.Start(ctx); err != nil {
		return fmt.Errorf("live: start browser: %w", err)
	}
	for _, p := range w.cfg.Pages {
		if err := w.watchPage(ctx, p); err != nil {
			w.logger.Error("live: failed to open page", "url", p.URL, "error", err)
		}
	}
	return nil
}

func (w *Watcher) watchPage(ctx context.Context, p PageConfig) error {
	set, _ := w.lookup(p.Set)
	page, err := browser.OpenTab(ctx, w.mgr, p.URL)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.pages = append(w.pages, page)
	w.mu.Unlock()

	runner := patch.NewRunner(w.opts...)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		roddoc.Watch(ctx, page, runner, set, w.logger)
	}()
	w.logger.Info("live: watching page", "url", p.URL, "set", set.Name())
	return nil
}

// Wait blocks until every watch loop has returned.
func (w *Watcher) Wait() { w.wg.Wait() }

// Stop closes all pages and the browser.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for _, p := range w.pages {
		p.Close()
	}
	w.pages = nil
	w.mu.Unlock()
	if w.mgr != nil {
		w.mgr.Close()
	}
}

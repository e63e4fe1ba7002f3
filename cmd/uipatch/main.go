// Command uipatch applies declarative patch sets to a third-party admin UI.
//
// Usage:
//
//	uipatch -config uipatch.yaml -proxy              # patching reverse proxy
//	uipatch -config uipatch.yaml -live               # keep pages patched in Chrome
//	uipatch -config uipatch.yaml -mcp                # MCP tools over stdio
//	uipatch -builtin unfold-admin -in page.html -diff
//	uipatch -list-builtin
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sergi/go-diff/diffmatchpatch"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/uipatch/dbopen"
	"github.com/hazyhaar/uipatch/engine"
	"github.com/hazyhaar/uipatch/kit"
	"github.com/hazyhaar/uipatch/launch"
	"github.com/hazyhaar/uipatch/live"
	"github.com/hazyhaar/uipatch/patch"
	"github.com/hazyhaar/uipatch/patchconf"
	"github.com/hazyhaar/uipatch/proxy"
	"github.com/hazyhaar/uipatch/runlog"
)

const version = "0.3.0"

type options struct {
	configPath  string
	builtin     string
	in          string
	out         string
	set         string
	diff        bool
	proxy       bool
	live        bool
	mcp         bool
	listBuiltin bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to uipatch.yaml")
	flag.StringVar(&o.builtin, "builtin", "", "load a built-in patch set, e.g. unfold-admin")
	flag.StringVar(&o.in, "in", "", "patch an HTML file and exit")
	flag.StringVar(&o.out, "out", "", "output file for -in (default stdout)")
	flag.StringVar(&o.set, "set", "", "patch set to apply with -in (default: all)")
	flag.BoolVar(&o.diff, "diff", false, "with -in, print a diff instead of the patched document")
	flag.BoolVar(&o.proxy, "proxy", false, "run the patching reverse proxy")
	flag.BoolVar(&o.live, "live", false, "keep configured pages patched in Chrome")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools over stdio")
	flag.BoolVar(&o.listBuiltin, "list-builtin", false, "list built-in patch sets and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("uipatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	if o.listBuiltin {
		for _, name := range patchconf.BuiltinNames() {
			fmt.Println(name)
		}
		return nil
	}

	var mode func(*app, context.Context) error
	switch {
	case o.in != "":
		mode = func(a *app, ctx context.Context) error {
			return a.patchFile(kit.WithTransport(ctx, kit.TransportCLI), o)
		}
	case o.proxy:
		mode = (*app).serveProxy
	case o.live:
		mode = (*app).watchLive
	case o.mcp:
		mode = (*app).serveMCP
	default:
		fmt.Fprintln(os.Stderr, "usage: uipatch [-config <file>] [-builtin <set>] -in <file> | -proxy | -live | -mcp | -list-builtin")
		os.Exit(2)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	seq := launch.Sequence{
		Logger: logger,
		Next:   func(ctx context.Context) error { return mode(a, ctx) },
	}
	if seq.Plugins, err = a.plugins(cfg.Launch.Plugins); err != nil {
		return err
	}
	if cfg.Launch.Maps {
		seq.Maps = &mapsHandle{logger: logger}
	}
	return seq.Run(ctx, launch.Config{MapsAPIKey: cfg.Launch.MapsAPIKey})
}

func loadConfig(o options) (*patchconf.Config, error) {
	var (
		cfg *patchconf.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = patchconf.LoadFile(o.configPath)
	} else {
		cfg, err = patchconf.Parse(nil)
	}
	if err != nil {
		return nil, err
	}
	if o.builtin != "" && !slices.Contains(cfg.Builtin, o.builtin) {
		cfg.Builtin = append(cfg.Builtin, o.builtin)
	}
	return cfg, nil
}

// app holds what every mode shares.
type app struct {
	cfg    *patchconf.Config
	db     *sql.DB
	store  *runlog.Store
	sets   []*patch.Set
	sinks  []patch.Sink
	eng    *engine.Engine
	logger *slog.Logger
}

func newApp(ctx context.Context, cfg *patchconf.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if cfg.DB != "" {
		db, err := dbopen.Open(cfg.DB,
			dbopen.WithMkdirAll(),
			dbopen.WithSchema(patchconf.Schema),
			dbopen.WithSchema(runlog.Schema),
		)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = runlog.NewStore(db, logger)
		a.sinks = append(a.sinks, a.store)
	}

	sets, err := patchconf.Load(ctx, cfg, a.db)
	if err != nil {
		a.close()
		return nil, err
	}
	if len(sets) == 0 {
		a.close()
		return nil, errors.New("uipatch: no patch sets configured")
	}
	a.sets = sets
	logger.Info("uipatch: patch sets loaded", "sets", len(sets))
	return a, nil
}

// buildEngine runs after the plugins, which may add sinks.
func (a *app) buildEngine() error {
	var err error
	a.eng, err = engine.New(a.sets, a.logger, a.runnerOptions()...)
	return err
}

func (a *app) runnerOptions() []patch.Option {
	var opts []patch.Option
	for _, s := range a.sinks {
		opts = append(opts, patch.WithSink(s))
	}
	return opts
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// plugins resolves the configured start-up plugins by name.
func (a *app) plugins(names []string) ([]launch.Plugin, error) {
	known := map[string]launch.Plugin{
		"report-stdout": launch.PluginFunc{ID: "report-stdout", Fn: func(context.Context) error {
			a.sinks = append(a.sinks, runlog.NewStdout(os.Stderr))
			return nil
		}},
		"runlog-prune": launch.PluginFunc{ID: "runlog-prune", Fn: func(ctx context.Context) error {
			if a.store == nil {
				return errors.New("no database configured")
			}
			n, err := a.store.Prune(ctx, time.Now().AddDate(0, 0, -30))
			if err != nil {
				return err
			}
			a.logger.Info("uipatch: run log pruned", "deleted", n)
			return nil
		}},
	}
	var out []launch.Plugin
	for _, name := range names {
		p, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("uipatch: unknown plugin %q", name)
		}
		out = append(out, p)
	}
	return out, nil
}

// mapsHandle holds the map service credential for the process. The key
// is never logged.
type mapsHandle struct {
	logger *slog.Logger
	key    string
}

func (m *mapsHandle) ProvideAPIKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return launch.ErrMissingMapsKey
	}
	m.key = key
	m.logger.Debug("uipatch: maps credential configured", "length", len(key))
	return nil
}

func (a *app) patchFile(ctx context.Context, o options) error {
	if err := a.buildEngine(); err != nil {
		return err
	}
	src, err := os.ReadFile(o.in)
	if err != nil {
		return fmt.Errorf("read %s: %w", o.in, err)
	}
	out, reports, err := a.eng.Apply(ctx, string(src), o.set)
	if err != nil {
		return err
	}
	for _, rep := range reports {
		a.logger.Info("uipatch: set applied", "set", rep.Set, "applied", rep.Applied(), "duration", rep.Duration)
	}

	if o.diff {
		out = renderDiff(string(src), out)
	}
	if o.out == "" {
		_, err = os.Stdout.WriteString(out)
		return err
	}
	return os.WriteFile(o.out, []byte(out), 0o644)
}

// renderDiff returns a line-level diff of before and after.
func renderDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

func (a *app) serveProxy(ctx context.Context) error {
	if err := a.buildEngine(); err != nil {
		return err
	}
	p, err := proxy.New(proxy.Config{
		Upstream: a.cfg.Proxy.Upstream,
		MaxBody:  a.cfg.Proxy.MaxBody,
		Logger:   a.logger,
	}, a.eng)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Proxy.Listen,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("uipatch: proxy starting", "listen", a.cfg.Proxy.Listen, "upstream", a.cfg.Proxy.Upstream)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("uipatch: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) watchLive(ctx context.Context) error {
	if err := a.buildEngine(); err != nil {
		return err
	}
	ctx = kit.WithTransport(ctx, kit.TransportLive)

	w := live.New(a.cfg.Live, a.eng.Lookup, a.logger, a.runnerOptions()...)
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	w.Wait()
	return nil
}

func (a *app) serveMCP(ctx context.Context) error {
	if err := a.buildEngine(); err != nil {
		return err
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "uipatch", Version: version}, nil)
	a.eng.RegisterMCP(srv)
	a.logger.Info("uipatch: MCP server on stdio", "sets", len(a.eng.Sets()))
	return srv.Run(ctx, &mcp.StdioTransport{})
}

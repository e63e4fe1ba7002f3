// Package proxy serves the admin panel through a reverse proxy that
// patches every HTML page on the way out. The response body is the
// readiness point: patching starts once it is fully read and parsed.
package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/uipatch/engine"
	"github.com/hazyhaar/uipatch/horosafe"
	"github.com/hazyhaar/uipatch/htmldoc"
)

// AppliedHeader carries the number of mutations made to a response.
const AppliedHeader = "X-Uipatch-Applied"

// Config configures a Proxy.
type Config struct {
	// Upstream is the admin panel base URL, e.g. "https://admin.internal".
	Upstream string
	// MaxBody caps the HTML body size buffered for patching. Larger bodies
	// pass through untouched. Default: 8 MiB.
	MaxBody int64
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Proxy is a patching reverse proxy.
type Proxy struct {
	engine  *engine.Engine
	target  *url.URL
	maxBody int64
	logger  *slog.Logger
	rp      *httputil.ReverseProxy
}

// New creates a Proxy forwarding to cfg.Upstream.
func New(cfg Config, eng *engine.Engine) (*Proxy, error) {
	target, err := horosafe.ValidateURL(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy: upstream: %w", err)
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 8 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Proxy{
		engine:  eng,
		target:  target,
		maxBody: cfg.MaxBody,
		logger:  cfg.Logger,
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(r *http.Request) {
		director(r)
		r.Host = target.Host
		// Only gzip can be decoded for patching.
		if r.Header.Get("Accept-Encoding") != "" {
			r.Header.Set("Accept-Encoding", "gzip")
		}
	}
	if cfg.Transport != nil {
		rp.Transport = cfg.Transport
	}
	rp.ModifyResponse = p.modifyResponse
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Error("proxy: upstream error",
			"method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "Service temporarily unavailable", http.StatusBadGateway)
	}
	p.rp = rp
	return p, nil
}

// Handler returns the router: /healthz answers locally, everything else
// goes upstream.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TraceID(p.logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sets":%d}`, len(p.engine.Sets()))
	})
	r.Handle("/*", p.rp)
	return r
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	req := resp.Request
	if req == nil || req.Method == http.MethodHead || resp.StatusCode != http.StatusOK {
		return nil
	}
	if !patchableType(resp.Header.Get("Content-Type")) {
		return nil
	}
	sets := p.engine.ForPath(req.URL.Path)
	if len(sets) == 0 {
		return nil
	}

	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc != "" && enc != "identity" && enc != "gzip" {
		p.logger.Debug("proxy: unsupported encoding, passing through", "path", req.URL.Path, "encoding", enc)
		return nil
	}
	if resp.ContentLength > p.maxBody {
		return nil
	}

	body := resp.Body
	raw, err := horosafe.LimitedReadAll(body, p.maxBody)
	if errors.Is(err, horosafe.ErrTooLarge) {
		// Too large to patch: replay what was read, then the rest.
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(raw), body), body}
		return nil
	}
	if err != nil {
		body.Close()
		return fmt.Errorf("proxy: read body: %w", err)
	}
	body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	plain := raw
	if enc == "gzip" {
		if plain, err = gunzip(raw, p.maxBody); err != nil {
			p.logger.Debug("proxy: gzip decode failed, passing through", "path", req.URL.Path, "error", err)
			return nil
		}
	}

	doc, err := htmldoc.Parse(bytes.NewReader(plain))
	if err != nil {
		p.logger.Debug("proxy: parse failed, passing through", "path", req.URL.Path, "error", err)
		return nil
	}
	applied := 0
	for _, rep := range p.engine.Run(req.Context(), doc, sets) {
		applied += rep.Applied()
	}

	var out bytes.Buffer
	if err := doc.Render(&out); err != nil {
		p.logger.Debug("proxy: render failed, passing through", "path", req.URL.Path, "error", err)
		return nil
	}

	resp.Body = io.NopCloser(bytes.NewReader(out.Bytes()))
	resp.ContentLength = int64(out.Len())
	resp.Header.Set("Content-Length", strconv.Itoa(out.Len()))
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Etag")
	resp.Header.Set(AppliedHeader, strconv.Itoa(applied))
	return nil
}

// patchableType accepts text/html in UTF-8 or without a declared charset.
func patchableType(ct string) bool {
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil || mt != "text/html" {
		return false
	}
	cs := strings.ToLower(params["charset"])
	return cs == "" || cs == "utf-8" || cs == "utf8"
}

func gunzip(raw []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return horosafe.LimitedReadAll(zr, limit)
}

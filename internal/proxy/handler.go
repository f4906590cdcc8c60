// Package proxy serves the widget and relays its token requests to the
// backend.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mm-agent/voicecall/internal/metrics"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	backend   *url.URL
	rp        *httputil.ReverseProxy
	staticDir string
	logger    *zap.Logger
}

// NewHandlers creates handlers that forward to backendURL and serve files
// from staticDir.
func NewHandlers(backendURL, staticDir string, logger *zap.Logger) (*Handlers, error) {
	backend, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if backend.Scheme != "http" && backend.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", backendURL)
	}

	h := &Handlers{backend: backend, staticDir: staticDir, logger: logger}
	h.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend)
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			if strings.Contains(resp.Request.URL.Path, "token") {
				resp.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
			}
			return nil
		},
		ErrorHandler: h.proxyError,
	}
	return h, nil
}

// API forwards a request whose /api prefix has already been stripped.
func (h *Handlers) API(w http.ResponseWriter, r *http.Request) {
	h.rp.ServeHTTP(w, r)
}

func (h *Handlers) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	metrics.ProxyErrorsTotal.Inc()
	h.logger.Error("proxy error",
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.String("path", r.URL.Path),
		zap.String("backend", h.backend.String()),
		zap.Error(err),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	w.Write([]byte(`{"error":"proxy error"}`))
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Static serves widget files, falling back to index.html for unknown paths.
func (h *Handlers) Static(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	full := filepath.Join(h.staticDir, filepath.FromSlash(clean))
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		http.ServeFile(w, r, full)
		return
	}

	index := filepath.Join(h.staticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, index)
}

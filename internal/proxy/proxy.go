package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

// Handler proxies requests to the backend selected by the routing table.
// Unmatched requests fall through to next (normally the hub itself), so the
// hub can authenticate the user and offer a spawn page.
type Handler struct {
	table *Table
	next  http.Handler
	log   *slog.Logger
}

// NewHandler builds the front-door handler over a table.
func NewHandler(table *Table, next http.Handler, logger *slog.Logger) *Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return &Handler{table: table, next: next, log: logger}
}

// Table exposes the underlying routing table.
func (h *Handler) Table() *Table {
	return h.table
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e, ok := h.table.match(r.Host, r.URL.Path)
	if !ok {
		h.next.ServeHTTP(w, r)
		return
	}
	e.touch(time.Now())
	// The entry's proxy is held for the whole exchange; a concurrent
	// Delete only unlinks the spec, so this request drains normally.
	e.proxy.ServeHTTP(w, r)
}

func newReverseProxy(target *url.URL, spec string) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = joinTargetPath(target.Path, pr.In.URL.Path)
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// Backend unreachable mid-flight; surface a gateway error
			// rather than a hub error page.
			http.Error(w, domain.UserMessage(domain.ErrNotRunning), http.StatusBadGateway)
		},
		FlushInterval: 100 * time.Millisecond,
	}
}

// joinTargetPath rebases the inbound path onto the target's base path
// without collapsing duplicate slashes inside the suffix.
func joinTargetPath(base, in string) string {
	if base == "" || base == "/" {
		return in
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(in, "/")
}

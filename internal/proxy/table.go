// Package proxy implements the hub's dynamic reverse-proxy layer: a
// concurrency-safe routing table keyed by trailing-slash-terminated
// routespecs, and an [http.Handler] that resolves requests through the
// table via longest-prefix match.
package proxy

import (
	"fmt"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/userhub/userhub/internal/domain"
	"github.com/userhub/userhub/internal/netutil"
)

// Route is the externally visible description of one table entry.
type Route struct {
	Spec   string         `json:"routespec"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data,omitempty"`
}

// Table maps routespecs to backend targets. Mutations are atomic per spec
// and never disturb in-flight requests on other routes: each request
// resolves its entry once, and a deleted entry keeps serving requests that
// already resolved it (drain, not reset).
type Table struct {
	mu     sync.RWMutex
	routes map[string]*entry
}

type entry struct {
	spec                 string
	target               *url.URL
	data                 map[string]any
	proxy                *httputil.ReverseProxy
	lastActivityUnixNano atomic.Int64
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{routes: make(map[string]*entry)}
}

// NormalizeSpec canonicalizes a routespec: an optional "host/" prefix
// (lower-cased, port stripped) followed by a path, always terminated by a
// trailing slash. Path-only specs start with "/".
func NormalizeSpec(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", fmt.Errorf("%w: empty routespec", domain.ErrRouteConflict)
	}
	if strings.HasPrefix(spec, "/") {
		return netutil.NormalizePath(spec), nil
	}
	host, path, _ := strings.Cut(spec, "/")
	host = netutil.NormalizeHost(host)
	if host == "" {
		return "", fmt.Errorf("%w: malformed routespec %q", domain.ErrRouteConflict, spec)
	}
	return host + netutil.NormalizePath(path), nil
}

// Add registers spec → target. Re-adding a spec with the same target
// refreshes its data; a different target is a [domain.ErrRouteConflict]
// and leaves the existing route untouched.
func (t *Table) Add(spec, target string, data map[string]any) error {
	normSpec, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: invalid target %q", domain.ErrRouteConflict, target)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.routes[normSpec]; ok {
		if existing.target.String() != u.String() {
			return fmt.Errorf("%w: %s already routed to %s", domain.ErrRouteConflict, normSpec, existing.target)
		}
		existing.data = cloneData(data)
		return nil
	}
	e := &entry{
		spec:   normSpec,
		target: u,
		data:   cloneData(data),
		proxy:  newReverseProxy(u, normSpec),
	}
	e.lastActivityUnixNano.Store(time.Now().UnixNano())
	t.routes[normSpec] = e
	return nil
}

// Delete removes spec from the table. Deleting an unknown spec is a no-op.
func (t *Table) Delete(spec string) error {
	normSpec, err := NormalizeSpec(spec)
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.routes, normSpec)
	t.mu.Unlock()
	return nil
}

// All returns a snapshot of every route. Data includes a "last_activity"
// RFC 3339 timestamp maintained by the proxy on every hit.
func (t *Table) All() map[string]Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Route, len(t.routes))
	for spec, e := range t.routes {
		out[spec] = e.snapshot()
	}
	return out
}

// Get returns a snapshot of one route.
func (t *Table) Get(spec string) (Route, bool) {
	normSpec, err := NormalizeSpec(spec)
	if err != nil {
		return Route{}, false
	}
	t.mu.RLock()
	e, ok := t.routes[normSpec]
	t.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	return e.snapshot(), true
}

// LastActivity reports when a route last proxied a request.
func (t *Table) LastActivity(spec string) (time.Time, bool) {
	normSpec, err := NormalizeSpec(spec)
	if err != nil {
		return time.Time{}, false
	}
	t.mu.RLock()
	e, ok := t.routes[normSpec]
	t.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, e.lastActivityUnixNano.Load()), true
}

// match resolves the entry serving (host, path) by longest-prefix walk:
// host-qualified keys are preferred over bare path keys.
func (t *Table) match(host, path string) (*entry, bool) {
	host = netutil.NormalizeHost(host)
	path = netutil.NormalizePath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if host != "" {
		for p := path; p != ""; p = netutil.ParentPath(p) {
			if e, ok := t.routes[host+p]; ok {
				return e, true
			}
		}
	}
	for p := path; p != ""; p = netutil.ParentPath(p) {
		if e, ok := t.routes[p]; ok {
			return e, true
		}
	}
	return nil, false
}

func (e *entry) snapshot() Route {
	data := cloneData(e.data)
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["last_activity"] = time.Unix(0, e.lastActivityUnixNano.Load()).UTC().Format(time.RFC3339)
	return Route{Spec: e.spec, Target: e.target.String(), Data: data}
}

func (e *entry) touch(t time.Time) {
	e.lastActivityUnixNano.Store(t.UnixNano())
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/userhub/userhub/internal/domain"
)

const progressWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// progressEvent is one step of a spawn, streamed to watching clients.
type progressEvent struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Ready    bool   `json:"ready,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	URL      string `json:"url,omitempty"`
}

func (e progressEvent) terminal() bool {
	return e.Ready || e.Failed
}

// progress buffers spawn events so late subscribers replay the full
// sequence before streaming live updates.
type progress struct {
	mu     sync.Mutex
	events []progressEvent
	subs   map[chan progressEvent]struct{}
}

func newProgress() *progress {
	return &progress{subs: map[chan progressEvent]struct{}{}}
}

func (p *progress) publish(ev progressEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	for ch := range p.subs {
		select {
		case ch <- ev:
		default: // slow subscriber, it will catch the terminal state on replay
		}
	}
	p.mu.Unlock()
}

// subscribe returns buffered history plus a live channel. The caller must
// invoke cancel when done.
func (p *progress) subscribe() ([]progressEvent, chan progressEvent, func()) {
	ch := make(chan progressEvent, 16)
	p.mu.Lock()
	history := make([]progressEvent, len(p.events))
	copy(history, p.events)
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
	return history, ch, cancel
}

// handleProgress streams spawn progress over a websocket until the spawn
// reaches a terminal state.
func (h *Hub) handleProgress(w http.ResponseWriter, r *http.Request) {
	key, ok := h.serverKeyFromRequest(w, r)
	if !ok {
		return
	}
	if _, ok := h.requireSelfOrAdmin(w, r, key.User); !ok {
		return
	}

	h.mu.Lock()
	op := h.servers[key]
	var prog *progress
	running := false
	if op != nil {
		prog = op.progress
		running = op.url != "" && op.pending == nil
	}
	h.mu.Unlock()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	writeEvent := func(ev progressEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
		return conn.WriteJSON(ev)
	}

	if prog == nil {
		ev := progressEvent{Progress: 100, Failed: true, Message: domain.UserMessage(domain.ErrNotRunning)}
		if running {
			ev = progressEvent{Progress: 100, Ready: true, Message: "server ready", URL: RouteSpec(key)}
		}
		_ = writeEvent(ev)
		return
	}

	history, live, cancel := prog.subscribe()
	defer cancel()

	for _, ev := range history {
		if err := writeEvent(ev); err != nil {
			return
		}
		if ev.terminal() {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-live:
			if err := writeEvent(ev); err != nil {
				return
			}
			if ev.terminal() {
				return
			}
		}
	}
}

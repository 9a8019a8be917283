package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/userhub/userhub/internal/auth"
	"github.com/userhub/userhub/internal/domain"
	"github.com/userhub/userhub/internal/spawner"
)

// serverOp is the in-memory lifecycle handle for one (user, server) pair.
// While pending is non-nil a start is in flight and every concurrent start
// request for the same key waits on it and shares its outcome.
type serverOp struct {
	key      domain.ServerKey
	spawner  spawner.Spawner
	pending  chan struct{}
	url      string
	err      error
	progress *progress
}

// RouteSpec returns the proxy routing table entry path for a server.
func RouteSpec(key domain.ServerKey) string {
	if key.Server == "" {
		return "/user/" + key.User + "/"
	}
	return "/user/" + key.User + "/" + key.Server + "/"
}

// StartServer starts the server for key, or joins an already in-flight
// start. It blocks until the server is reachable and returns its public
// path. Starting a running server is a no-op that returns its path,
// unless its process has exited, in which case the dead backend is
// retired and a fresh one launched.
func (h *Hub) StartServer(ctx context.Context, key domain.ServerKey, options map[string]string) (string, error) {
	h.mu.Lock()
	op := h.servers[key]
	if op != nil && op.pending == nil && op.url != "" {
		// Running by our books; verify before treating the start as a no-op.
		status, pollErr := op.spawner.Poll(ctx)
		if pollErr != nil || status == nil {
			h.mu.Unlock()
			return RouteSpec(key), nil
		}
		delete(h.servers, key)
		h.mu.Unlock()
		h.retireServer(key, op, status)
		h.mu.Lock()
		op = h.servers[key]
	}
	if op == nil {
		// The limit check hits the store, so it runs outside the hub lock.
		h.mu.Unlock()
		if err := h.checkNamedServerLimit(ctx, key); err != nil {
			return "", err
		}
		h.mu.Lock()
		if op = h.servers[key]; op == nil {
			op = &serverOp{key: key, spawner: h.factory(key)}
			h.servers[key] = op
		}
	}

	if op.pending != nil {
		ch := op.pending
		h.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		h.mu.Lock()
		err := op.err
		h.mu.Unlock()
		if err != nil {
			return "", err
		}
		return RouteSpec(key), nil
	}

	if op.url != "" {
		h.mu.Unlock()
		return RouteSpec(key), nil
	}

	ch := make(chan struct{})
	op.pending = ch
	op.err = nil
	op.progress = newProgress()
	h.mu.Unlock()

	url, err := h.launch(key, op, options)

	h.mu.Lock()
	op.pending = nil
	op.url, op.err = url, err
	if err != nil {
		delete(h.servers, key)
	}
	h.mu.Unlock()
	close(ch)

	if err != nil {
		return "", err
	}
	return RouteSpec(key), nil
}

// launch does the blocking spawn work. It runs detached from any single
// caller's context so that every waiter observes the same outcome.
func (h *Hub) launch(key domain.ServerKey, op *serverOp, options map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SpawnTimeout+5*time.Second)
	defer cancel()

	if _, err := h.store.UpsertServer(ctx, domain.Server{
		UserName: key.User,
		Name:     key.Server,
		State:    domain.ServerStatePendingStart,
	}); err != nil {
		return "", fmt.Errorf("persist pending server: %w", err)
	}
	op.progress.publish(progressEvent{Progress: 10, Message: "server requested"})

	token, err := h.mintServerToken(ctx, key)
	if err != nil {
		h.markStopped(key)
		op.progress.publish(progressEvent{Progress: 100, Failed: true, Message: "internal error"})
		return "", err
	}

	publicPath := RouteSpec(key)
	env := spawner.BuildEnv(spawner.EnvConfig{
		User:             key.User,
		ServerName:       key.Server,
		ServiceURL:       h.cfg.BaseURL + publicPath,
		BaseURL:          h.cfg.BaseURL,
		APIURL:           h.cfg.BaseURL + "/hub/api",
		APIToken:         token,
		OAuthClientID:    "userhub-server-" + key.String(),
		OAuthCallbackURL: h.cfg.BaseURL + publicPath + "oauth_callback",
		MemLimit:         options["mem_limit"],
		CPULimit:         options["cpu_limit"],
		MemGuarantee:     options["mem_guarantee"],
		CPUGuarantee:     options["cpu_guarantee"],
	})
	op.progress.publish(progressEvent{Progress: 30, Message: "spawning server"})

	url, err := op.spawner.Start(ctx, spawner.StartRequest{Env: env, Options: options})
	if err != nil {
		h.markStopped(key)
		op.progress.publish(progressEvent{Progress: 100, Failed: true, Message: domain.UserMessage(err)})
		h.log.Error("spawn failed", "server", key.String(), "err", err)
		return "", err
	}

	if err := h.store.SetServerState(ctx, key, domain.ServerStateRunning, url); err != nil {
		h.log.Error("failed to persist running state", "server", key.String(), "err", err)
	}
	if blob := op.spawner.StateBlob(); blob != nil {
		if err := h.store.SetServerStateBlob(ctx, key, blob); err != nil {
			h.log.Error("failed to persist spawner state", "server", key.String(), "err", err)
		}
	}
	if err := h.addRoute(key, url); err != nil {
		h.log.Error("failed to register route", "server", key.String(), "err", err)
	}

	op.progress.publish(progressEvent{Progress: 100, Ready: true, Message: "server ready", URL: publicPath})
	h.log.Info("server started", "server", key.String(), "url", url)
	return url, nil
}

// StopServer stops a running server and removes its route. Stopping a
// server with a start in flight waits for the start to settle first.
func (h *Hub) StopServer(ctx context.Context, key domain.ServerKey) error {
	h.mu.Lock()
	op := h.servers[key]
	if op != nil && op.pending != nil {
		ch := op.pending
		h.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.mu.Lock()
		op = h.servers[key]
	}
	if op == nil || op.url == "" {
		h.mu.Unlock()
		return &domain.ServerError{User: key.User, Server: key.Server, Op: "stop", Err: domain.ErrNotRunning}
	}
	delete(h.servers, key)
	h.mu.Unlock()

	if err := h.store.SetServerState(ctx, key, domain.ServerStatePendingStop, ""); err != nil {
		h.log.Error("failed to persist pending stop", "server", key.String(), "err", err)
	}
	// Route comes out first so no new traffic lands mid-shutdown.
	_ = h.table.Delete(RouteSpec(key))

	err := op.spawner.Stop(ctx)
	op.spawner.ClearState()
	h.markStopped(key)
	if err != nil {
		h.log.Error("stop failed", "server", key.String(), "err", err)
		return &domain.ServerError{User: key.User, Server: key.Server, Op: "stop", Err: err}
	}
	h.log.Info("server stopped", "server", key.String())
	return nil
}

// ServerStatus reports the persisted record plus live pending state.
func (h *Hub) ServerStatus(ctx context.Context, key domain.ServerKey) (domain.Server, bool, error) {
	h.mu.Lock()
	pending := false
	if op := h.servers[key]; op != nil && op.pending != nil {
		pending = true
	}
	h.mu.Unlock()

	srv, err := h.store.ServerByKey(ctx, key)
	if err != nil {
		return domain.Server{}, pending, err
	}
	return srv, pending, nil
}

// reconcile adopts or retires persisted servers after a hub restart. A
// server whose process is verifiably alive is resumed and re-routed; it is
// never started a second time. Everything else is marked stopped.
func (h *Hub) reconcile(ctx context.Context) error {
	active, err := h.store.ListActiveServers(ctx)
	if err != nil {
		return err
	}
	for _, srv := range active {
		key := srv.Key()
		op := &serverOp{key: key, spawner: h.factory(key)}

		adopted := false
		if len(srv.StateBlob) > 0 && srv.State == domain.ServerStateRunning {
			if err := op.spawner.LoadState(srv.StateBlob); err != nil {
				h.log.Warn("discarding unreadable spawner state", "server", key.String(), "err", err)
			} else if status, err := op.spawner.Poll(ctx); err == nil && status == nil {
				adopted = true
			}
		}

		if !adopted {
			op.spawner.ClearState()
			h.markStopped(key)
			h.log.Info("retired stale server record", "server", key.String(), "state", srv.State)
			continue
		}

		op.url = srv.URL
		h.mu.Lock()
		h.servers[key] = op
		h.mu.Unlock()
		if err := h.addRoute(key, srv.URL); err != nil {
			h.log.Error("failed to restore route", "server", key.String(), "err", err)
			continue
		}
		h.log.Info("adopted running server", "server", key.String(), "url", srv.URL)
	}
	return nil
}

// retireServer tears down the hub's view of a backend that exited on its
// own: route out first, spawner state cleared, record marked stopped. The
// next StartServer for the key begins fresh.
func (h *Hub) retireServer(key domain.ServerKey, op *serverOp, status *spawner.Status) {
	h.log.Warn("backend exited unexpectedly",
		"server", key.String(), "exit_code", status.ExitCode, "message", status.Message)
	_ = h.table.Delete(RouteSpec(key))
	op.spawner.ClearState()
	h.markStopped(key)
}

func (h *Hub) addRoute(key domain.ServerKey, target string) error {
	return h.table.Add(RouteSpec(key), target, map[string]any{
		"user":   key.User,
		"server": key.Server,
	})
}

func (h *Hub) markStopped(key domain.ServerKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.SetServerState(ctx, key, domain.ServerStateStopped, ""); err != nil && !errors.Is(err, domain.ErrServerNotFound) {
		h.log.Error("failed to persist stopped state", "server", key.String(), "err", err)
	}
}

func (h *Hub) checkNamedServerLimit(ctx context.Context, key domain.ServerKey) error {
	if key.Server == "" || h.cfg.NamedServerLimit <= 0 {
		return nil
	}
	if _, err := h.store.ServerByKey(ctx, key); err == nil {
		return nil // restarting an existing named server never counts twice
	}
	count, err := h.store.CountNamedServers(ctx, key.User)
	if err != nil {
		return err
	}
	if count >= h.cfg.NamedServerLimit {
		return &domain.ServerError{User: key.User, Server: key.Server, Op: "start", Err: domain.ErrServerLimitReached}
	}
	return nil
}

func (h *Hub) mintServerToken(ctx context.Context, key domain.ServerKey) (string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	hash := auth.HashToken(token, h.cfg.TokenPepper)
	if _, err := h.store.CreateToken(ctx, key.User, hash, "server:"+key.String()); err != nil {
		return "", err
	}
	return token, nil
}

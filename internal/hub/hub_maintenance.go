package hub

import (
	"context"
	"time"

	"github.com/userhub/userhub/internal/domain"
)

const (
	shareCodePurgeInterval = time.Hour
	serverPollInterval     = 30 * time.Second
)

// runJanitor drives periodic maintenance: backend liveness polling,
// idle-server culling, expired share-code purging, and rate-limit bucket
// eviction.
func (h *Hub) runJanitor(ctx context.Context) {
	pollTicker := time.NewTicker(serverPollInterval)
	cullTicker := time.NewTicker(h.cfg.CullInterval)
	purgeTicker := time.NewTicker(shareCodePurgeInterval)
	bucketTicker := time.NewTicker(hubBucketAge)
	defer pollTicker.Stop()
	defer cullTicker.Stop()
	defer purgeTicker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			h.pollServers(ctx)
		case <-cullTicker.C:
			h.cullIdleServers(ctx)
		case <-purgeTicker.C:
			h.purgeShareCodes(ctx)
		case <-bucketTicker.C:
			h.limiter.cleanup()
		}
	}
}

// pollServers probes every running backend and retires the ones whose
// process has exited, so a crashed server drops its route and its owner
// can spawn again.
func (h *Hub) pollServers(ctx context.Context) {
	h.mu.Lock()
	running := make(map[domain.ServerKey]*serverOp, len(h.servers))
	for key, op := range h.servers {
		if op.pending == nil && op.url != "" {
			running[key] = op
		}
	}
	h.mu.Unlock()

	for key, op := range running {
		status, err := op.spawner.Poll(ctx)
		if err != nil || status == nil {
			continue
		}
		h.mu.Lock()
		if h.servers[key] != op {
			h.mu.Unlock()
			continue
		}
		delete(h.servers, key)
		h.mu.Unlock()
		h.retireServer(key, op, status)
	}
}

// cullIdleServers stops servers whose routes have seen no traffic for
// longer than the configured idle timeout.
func (h *Hub) cullIdleServers(ctx context.Context) {
	if h.cfg.IdleCullTimeout <= 0 {
		return
	}
	now := time.Now()
	for spec, route := range h.table.All() {
		last, ok := h.table.LastActivity(spec)
		if !ok || now.Sub(last) <= h.cfg.IdleCullTimeout {
			continue
		}
		user, _ := route.Data["user"].(string)
		server, _ := route.Data["server"].(string)
		if user == "" {
			continue
		}
		key := domain.ServerKey{User: user, Server: server}
		h.log.Info("culling idle server", "server", key.String(), "idle", now.Sub(last).Round(time.Second))

		stopCtx, cancel := context.WithTimeout(ctx, h.cfg.StopTimeout+5*time.Second)
		if err := h.StopServer(stopCtx, key); err != nil {
			h.log.Error("failed to cull idle server", "server", key.String(), "err", err)
		}
		cancel()
	}
}

func (h *Hub) purgeShareCodes(ctx context.Context) {
	purgeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	n, err := h.store.PurgeExpiredShareCodes(purgeCtx, time.Now(), shareCodePurgeMax)
	if err != nil {
		h.log.Error("failed to purge expired share codes", "err", err)
		return
	}
	if n > 0 {
		h.log.Info("purged expired share codes", "count", n)
	}
}

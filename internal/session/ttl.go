package session

import (
	"context"
	"log/slog"
	"time"
)

// EvictCallback is called for every session the TTL worker drops.
type EvictCallback func(userID string)

// StartTTLWorker runs a background goroutine that periodically drops idle
// sessions older than ttl from the registry and prunes execution history
// older than retention. Workspaces stay on disk.
func (m *Manager) StartTTLWorker(ctx context.Context, interval, ttl, retention time.Duration, onEvict EvictCallback) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl, "retention", retention)

		for {
			select {
			case <-ticker.C:
				m.sweep(ctx, ttl, retention, onEvict)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) sweep(ctx context.Context, ttl, retention time.Duration, onEvict EvictCallback) {
	if ttl > 0 {
		evicted := m.registry.EvictIdle(m.registry.now().Add(-ttl))
		if len(evicted) > 0 {
			slog.Info("TTL worker evicted idle sessions", "count", len(evicted))
			m.metrics.Evicted(len(evicted))
			m.metrics.SetSessions(m.registry.Len())
			for _, id := range evicted {
				slog.Debug("Session evicted", "user_id", id)
				if onEvict != nil {
					onEvict(id)
				}
			}
		}
	}

	if m.repo == nil || retention <= 0 {
		return
	}
	deleted, err := m.repo.CleanupExecutions(ctx, retention)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during history cleanup", "error", err)
			return
		}
		slog.Error("TTL worker failed to prune execution history", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker pruned execution history", "count", deleted)
	}
}

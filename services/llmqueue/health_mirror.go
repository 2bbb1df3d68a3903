package llmqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// KeyValueStore is the subset of cache.Client used to mirror health.
type KeyValueStore interface {
	SetMany(ctx context.Context, values map[string]any, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// HealthMirror writes provider health snapshots to Redis under
// "health:<provider>" so operators and peers can read them. The registry
// stays authoritative; the mirror is write-behind.
type HealthMirror struct {
	kv      KeyValueStore
	ttl     time.Duration
	updates chan ProviderHealth
	logger  *slog.Logger
}

// NewHealthMirror creates a mirror whose keys expire after ttl. Zero keeps
// them forever.
func NewHealthMirror(kv KeyValueStore, ttl time.Duration, logger *slog.Logger) *HealthMirror {
	return &HealthMirror{
		kv:      kv,
		ttl:     ttl,
		updates: make(chan ProviderHealth, 256),
		logger:  logger.With("component", "health-mirror"),
	}
}

// Observe is a HealthObserver. It never blocks; a full buffer drops the update.
func (m *HealthMirror) Observe(h ProviderHealth) {
	select {
	case m.updates <- h:
	default:
		m.logger.Debug("health mirror buffer full", "provider", h.ProviderID)
	}
}

// Run writes updates until ctx is done. Updates already buffered are
// coalesced per provider and written in one batch.
func (m *HealthMirror) Run(ctx context.Context) error {
	for {
		select {
		case h := <-m.updates:
			m.write(ctx, m.drain(h))
		case <-ctx.Done():
			return nil
		}
	}
}

// drain collects first plus whatever is buffered, keeping the latest
// snapshot per provider.
func (m *HealthMirror) drain(first ProviderHealth) map[string]any {
	batch := map[string]any{healthKey(first.ProviderID): first}
	for {
		select {
		case h := <-m.updates:
			batch[healthKey(h.ProviderID)] = h
		default:
			return batch
		}
	}
}

func (m *HealthMirror) write(ctx context.Context, batch map[string]any) {
	if err := m.kv.SetMany(ctx, batch, m.ttl); err != nil {
		m.logger.Warn("failed to mirror provider health", "providers", len(batch), "error", err)
	}
}

// Load reads the mirrored snapshot for providerID.
func (m *HealthMirror) Load(ctx context.Context, providerID string) (ProviderHealth, bool, error) {
	var h ProviderHealth
	ok, err := m.kv.GetJSON(ctx, healthKey(providerID), &h)
	if err != nil || !ok {
		return ProviderHealth{}, false, err
	}
	return h, true, nil
}

// Restore seeds registry with the mirrored cooldowns of providerIDs that
// have not yet expired at now. It returns how many were restored.
func (m *HealthMirror) Restore(ctx context.Context, registry *HealthRegistry, providerIDs []string, now time.Time) (int, error) {
	restored := 0
	for _, id := range providerIDs {
		h, ok, err := m.Load(ctx, id)
		if err != nil {
			return restored, fmt.Errorf("failed to load health for %s: %w", id, err)
		}
		if !ok || h.State != HealthCoolingDown || !now.Before(h.CooldownUntil) {
			continue
		}
		if registry.Restore(h) {
			restored++
			m.logger.Info("restored provider cooldown", "provider", id, "until", h.CooldownUntil)
		}
	}
	return restored, nil
}

func healthKey(providerID string) string {
	return "health:" + providerID
}

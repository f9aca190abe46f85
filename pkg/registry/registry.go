// Package registry implements the in-memory capability registry: the mapping
// from (realm, name, version) to endpoint descriptors, with heartbeat-based
// liveness, highest-version resolution, and realm-scoped addressing.
package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/realmbridge/realmbridge/pkg/bridge"
	"github.com/realmbridge/realmbridge/pkg/telemetry"
)

// Config holds registry liveness tuning.
type Config struct {
	// HeartbeatTTL is how long an entry stays live after its last heartbeat.
	// Zero means 30s.
	HeartbeatTTL time.Duration

	// GraceWindow is how long an expired entry remains visible to List for
	// diagnostics before the sweeper removes it. Zero means 5m.
	GraceWindow time.Duration

	// SweepInterval is how often the sweeper scans for expired entries.
	// Zero means 1m.
	SweepInterval time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTTL:  30 * time.Second,
		GraceWindow:   5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Registry is the in-memory implementation of bridge.Registry. Safe for
// concurrent use.
type Registry struct {
	cfg Config
	tel *telemetry.Telemetry
	log *telemetry.Logger

	mu      sync.RWMutex
	entries map[string]*bridge.CapabilityDescriptor

	// gaugeRealms tracks realms already reported to the live gauge so a
	// realm whose count drops to zero is written as zero, not left stale.
	gaugeRealms map[string]struct{}

	// now is swapped in tests to control liveness.
	now func() time.Time
}

// New creates a registry. tel may be nil for a no-op telemetry stack.
func New(cfg Config, tel *telemetry.Telemetry) *Registry {
	if tel == nil {
		tel = telemetry.Nop()
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 30 * time.Second
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		cfg:         cfg,
		tel:         tel,
		log:         tel.Logger.NewComponentLogger("registry"),
		entries:     make(map[string]*bridge.CapabilityDescriptor),
		gaugeRealms: make(map[string]struct{}),
		now:         time.Now,
	}
}

// Register upserts a descriptor. Re-registering the same key with the same
// endpoint refreshes liveness; claiming a live key with a different endpoint
// fails with CONFLICT. A dead entry may be replaced freely.
func (r *Registry) Register(ctx context.Context, desc bridge.CapabilityDescriptor) error {
	if desc.Realm == "" || desc.Name == "" || desc.Version == "" || desc.Endpoint == "" {
		return bridge.NewInvalidStateError("descriptor is missing realm, name, version, or endpoint", nil)
	}

	now := r.now().UTC()
	key := desc.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[key]; ok {
		if existing.Endpoint != desc.Endpoint && r.isLive(existing, now) {
			return bridge.NewConflictError(key+" is already registered at "+existing.Endpoint, nil).
				WithCapability(key)
		}
		desc.RegisteredAt = existing.RegisteredAt
	} else {
		desc.RegisteredAt = now
	}
	desc.LastHeartbeat = now
	r.entries[key] = &desc

	r.log.WithCapability(desc.Realm, desc.Name).WithField("version", desc.Version).
		WithField("endpoint", desc.Endpoint).Info("capability registered")
	r.updateLiveGauge(now)
	return nil
}

// Heartbeat refreshes an entry's liveness. Fails with NOT_FOUND if the entry
// does not exist.
func (r *Registry) Heartbeat(ctx context.Context, realm, name, version string) error {
	key := keyOf(realm, name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return bridge.NewNotFoundError("no registration for "+key, nil).WithCapability(key)
	}
	entry.LastHeartbeat = r.now().UTC()
	return nil
}

// Resolve returns a live descriptor for the reference. With an empty realm
// the name is first looked up inside callerRealm; if that misses and the name
// carries a realm prefix ("insights.query_semantic") the prefix is tried.
// An empty version picks the highest registered live version.
func (r *Registry) Resolve(ctx context.Context, callerRealm, realm, name, version string) (*bridge.CapabilityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()

	if realm != "" {
		return r.resolveIn(realm, name, version, now)
	}

	if callerRealm != "" {
		if desc, err := r.resolveIn(callerRealm, name, version, now); err == nil {
			return desc, nil
		}
	}
	if prefix, rest, ok := strings.Cut(name, "."); ok {
		if desc, err := r.resolveIn(prefix, rest, version, now); err == nil {
			return desc, nil
		}
	}
	return nil, bridge.NewNotFoundError("no live capability matches "+name, nil).WithCapability(name)
}

// resolveIn finds the best live entry for (realm, name). Caller holds r.mu.
func (r *Registry) resolveIn(realm, name, version string, now time.Time) (*bridge.CapabilityDescriptor, error) {
	if version != "" {
		entry, ok := r.entries[keyOf(realm, name, version)]
		if !ok || !r.isLive(entry, now) {
			return nil, bridge.NewNotFoundError("no live capability "+keyOf(realm, name, version), nil)
		}
		cp := *entry
		return &cp, nil
	}

	var best *bridge.CapabilityDescriptor
	for _, entry := range r.entries {
		if entry.Realm != realm || entry.Name != name || !r.isLive(entry, now) {
			continue
		}
		if best == nil || compareVersions(entry.Version, best.Version) > 0 {
			best = entry
		}
	}
	if best == nil {
		return nil, bridge.NewNotFoundError("no live capability "+realm+"/"+name, nil)
	}
	cp := *best
	return &cp, nil
}

// List returns entries that are live or still within the grace window,
// optionally filtered by realm, sorted by key for stable output.
func (r *Registry) List(ctx context.Context, realm string) ([]bridge.CapabilityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now().UTC()
	out := make([]bridge.CapabilityDescriptor, 0, len(r.entries))
	for _, entry := range r.entries {
		if realm != "" && entry.Realm != realm {
			continue
		}
		if now.Sub(entry.LastHeartbeat) > r.cfg.HeartbeatTTL+r.cfg.GraceWindow {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Deregister removes an entry. Removing an absent entry is not an error.
func (r *Registry) Deregister(ctx context.Context, realm, name, version string) error {
	key := keyOf(realm, name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		delete(r.entries, key)
		r.log.WithCapability(realm, name).WithField("version", version).Info("capability deregistered")
		r.updateLiveGauge(r.now().UTC())
	}
	return nil
}

// StartSweeper runs a background loop that removes entries whose grace window
// has passed. Returns when ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep removes entries past their grace window.
func (r *Registry) sweep() {
	now := r.now().UTC()
	cutoff := r.cfg.HeartbeatTTL + r.cfg.GraceWindow

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.entries {
		if now.Sub(entry.LastHeartbeat) > cutoff {
			delete(r.entries, key)
			r.log.WithCapability(entry.Realm, entry.Name).WithField("version", entry.Version).
				Debug("expired capability swept")
		}
	}
	r.updateLiveGauge(now)
}

// StartHeartbeat runs a background loop that heartbeats the given descriptor
// at a third of the liveness TTL. Used by in-process capability owners.
// Returns when ctx is cancelled.
func (r *Registry) StartHeartbeat(ctx context.Context, desc bridge.CapabilityDescriptor) {
	interval := r.cfg.HeartbeatTTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, desc.Realm, desc.Name, desc.Version); err != nil {
				r.log.WithError(err).WithCapability(desc.Realm, desc.Name).Warn("heartbeat failed")
			}
		}
	}
}

// updateLiveGauge refreshes the per-realm live capability gauge. Caller holds
// r.mu.
func (r *Registry) updateLiveGauge(now time.Time) {
	counts := make(map[string]int)
	for _, entry := range r.entries {
		if r.isLive(entry, now) {
			counts[entry.Realm]++
		}
	}
	for realm := range r.gaugeRealms {
		if _, ok := counts[realm]; !ok {
			r.tel.Metrics.SetLiveCapabilities(realm, 0)
			delete(r.gaugeRealms, realm)
		}
	}
	for realm, n := range counts {
		r.gaugeRealms[realm] = struct{}{}
		r.tel.Metrics.SetLiveCapabilities(realm, float64(n))
	}
}

func (r *Registry) isLive(entry *bridge.CapabilityDescriptor, now time.Time) bool {
	return now.Sub(entry.LastHeartbeat) <= r.cfg.HeartbeatTTL
}

func keyOf(realm, name, version string) string {
	return realm + "/" + name + "@" + version
}

// compareVersions orders dotted numeric versions. Segments compare
// numerically when both parse, lexically otherwise; missing segments count
// as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		default:
			if sa != sb {
				if sa < sb {
					return -1
				}
				return 1
			}
		}
	}
	return 0
}

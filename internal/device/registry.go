package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry resolves devices and ponds with an in-memory cache over a
// Repository. The cache is populated on startup via RefreshCache() and kept
// in sync by the mutating methods. Lookups that miss fall through to the
// repository, so devices registered by another process are still found.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device // by device ID
	ponds   map[string]string  // pond ID -> device ID
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		ponds:  make(map[string]string),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	r.ponds = make(map[string]string, len(devices)*2)
	for i := range devices {
		r.storeLocked(&devices[i])
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.storeLocked(d)
	r.cacheMu.Unlock()
	return d, nil
}

// ListDevices returns all cached devices ordered by ID, or the repository
// contents when the cache is empty.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	if len(r.cache) == 0 {
		r.cacheMu.RUnlock()
		return r.repo.List(ctx)
	}
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// GetPond retrieves a pond by ID.
func (r *Registry) GetPond(ctx context.Context, pondID string) (*Pond, error) {
	r.cacheMu.RLock()
	deviceID, ok := r.ponds[pondID]
	var d *Device
	if ok {
		d = r.cache[deviceID]
	}
	r.cacheMu.RUnlock()

	if d != nil {
		for _, p := range d.Ponds {
			if p.ID == pondID {
				return &p, nil
			}
		}
	}

	p, err := r.repo.GetPond(ctx, pondID)
	if err != nil {
		return nil, err
	}
	// Warm the cache with the owning device.
	if _, err := r.GetDevice(ctx, p.DeviceID); err != nil {
		r.logger.Warn("caching pond device failed", "pond_id", pondID, "error", err)
	}
	return p, nil
}

// ResolvePond finds the pond a controller drives at position. Messages
// that omit the position are routed to position 1.
func (r *Registry) ResolvePond(ctx context.Context, deviceID string, position int) (*Pond, error) {
	if position == 0 {
		position = 1
	}
	d, err := r.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	p, ok := d.PondAt(position)
	if !ok {
		return nil, fmt.Errorf("%w: device %s has no pond at position %d", ErrPondNotFound, deviceID, position)
	}
	return &p, nil
}

// Register validates and stores a new device with its ponds.
func (r *Registry) Register(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.storeLocked(d)
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "device_id", d.ID, "ponds", len(d.Ponds))
	return nil
}

// RenameDevice updates a device's display name.
func (r *Registry) RenameDevice(ctx context.Context, id, name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	if err := r.repo.Rename(ctx, id, name); err != nil {
		return err
	}
	r.evict(id)
	return nil
}

// DeleteDevice removes a device and its ponds.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.evict(id)
	r.logger.Info("device deleted", "device_id", id)
	return nil
}

func (r *Registry) evict(id string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if d, ok := r.cache[id]; ok {
		for _, p := range d.Ponds {
			delete(r.ponds, p.ID)
		}
		delete(r.cache, id)
	}
}

// storeLocked caches a deep copy of d. Caller holds cacheMu.
func (r *Registry) storeLocked(d *Device) {
	cpy := d.DeepCopy()
	r.cache[d.ID] = cpy
	for _, p := range cpy.Ponds {
		r.ponds[p.ID] = d.ID
	}
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int `json:"total_devices"`
	TotalPonds   int `json:"total_ponds"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return Stats{TotalDevices: len(r.cache), TotalPonds: len(r.ponds)}
}

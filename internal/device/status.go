package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// StatusStore holds the live status of every controller. Updates merge:
// fields absent from an update keep their previous value.
type StatusStore interface {
	// Update merges update into the stored status for update.DeviceID.
	Update(ctx context.Context, update Status) (Status, error)

	// Get returns the status of one device, or ErrDeviceNotFound when the
	// device has never reported.
	Get(ctx context.Context, deviceID string) (Status, error)

	// List returns every known status ordered by device ID.
	List(ctx context.Context) ([]Status, error)

	// MarkOffline flips online devices last seen before cutoff to offline
	// and returns their IDs.
	MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// heartbeatPayload is the JSON body of heartbeat, startup and status
// messages. Pointer fields distinguish "absent" from zero.
type heartbeatPayload struct {
	Status          string `json:"status"`
	FirmwareVersion string `json:"firmware_version"`
	HardwareVersion string `json:"hardware_version"`
	DeviceName      string `json:"device_name"`
	IPAddress       string `json:"ip_address"`
	WiFiSSID        string `json:"wifi_ssid"`
	WiFiSignal      *int   `json:"wifi_signal_strength"`
	FreeHeap        *int64 `json:"free_heap"`
	CPUFrequency    *int   `json:"cpu_frequency"`
	Uptime          *int64 `json:"uptime"`
}

// DecodeHeartbeat turns a heartbeat, startup or status payload into a
// status update seen at the given time. A status of "offline" (the broker's
// last-will message) marks the device offline.
func DecodeHeartbeat(deviceID string, payload []byte, at time.Time) (Status, error) {
	if deviceID == "" {
		return Status{}, fmt.Errorf("%w: missing device id", ErrInvalidPayload)
	}
	var p heartbeatPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return Status{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	s := Status{
		DeviceID:        deviceID,
		Online:          !strings.EqualFold(p.Status, "offline"),
		LastSeen:        at.UTC(),
		FirmwareVersion: p.FirmwareVersion,
		HardwareVersion: p.HardwareVersion,
		DeviceName:      p.DeviceName,
		IPAddress:       p.IPAddress,
		WiFiSSID:        p.WiFiSSID,
	}
	if p.WiFiSignal != nil {
		s.WiFiSignal = *p.WiFiSignal
	}
	if p.FreeHeap != nil {
		s.FreeHeap = *p.FreeHeap
	}
	if p.CPUFrequency != nil {
		s.CPUFrequency = *p.CPUFrequency
	}
	if p.Uptime != nil {
		s.UptimeSeconds = *p.Uptime
	}
	return s, nil
}

// MemoryStatusStore is a StatusStore for single-process deployments and tests.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (m *MemoryStatusStore) Update(_ context.Context, update Status) (Status, error) {
	if update.DeviceID == "" {
		return Status{}, fmt.Errorf("%w: missing device id", ErrInvalidPayload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := m.statuses[update.DeviceID].Merge(update)
	m.statuses[update.DeviceID] = merged
	return merged, nil
}

func (m *MemoryStatusStore) Get(_ context.Context, deviceID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[deviceID]
	if !ok {
		return Status{}, ErrDeviceNotFound
	}
	return s, nil
}

func (m *MemoryStatusStore) List(context.Context) ([]Status, error) {
	m.mu.RLock()
	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStatusStore) MarkOffline(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.statuses {
		if s.Online && s.LastSeen.Before(cutoff) {
			s.Online = false
			m.statuses[id] = s
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

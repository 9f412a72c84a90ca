package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

const (
	statusKeyPrefix = "aquacore:device_status:"
	statusIndexKey  = "aquacore:device_status_index"

	// DefaultStatusTTL bounds how long a silent device's status is retained.
	DefaultStatusTTL = 24 * time.Hour
)

// Hash fields.
const (
	fieldOnline          = "online"
	fieldLastSeen        = "last_seen"
	fieldFirmwareVersion = "firmware_version"
	fieldHardwareVersion = "hardware_version"
	fieldDeviceName      = "device_name"
	fieldIPAddress       = "ip_address"
	fieldWiFiSSID        = "wifi_ssid"
	fieldWiFiSignal      = "wifi_signal_strength"
	fieldFreeHeap        = "free_heap"
	fieldCPUFrequency    = "cpu_frequency"
	fieldUptime          = "uptime"
)

// RedisStatusStore keeps each device's status in a Redis hash shared by
// every aquacore process. Writing only the fields present in an update
// gives merge semantics without a read-modify-write cycle.
type RedisStatusStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStatusStore creates a store. A zero ttl uses DefaultStatusTTL.
func NewRedisStatusStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisStatusStore{rdb: rdb, ttl: ttl}
}

func statusKey(deviceID string) string { return statusKeyPrefix + deviceID }

func (s *RedisStatusStore) Update(ctx context.Context, update Status) (Status, error) {
	if update.DeviceID == "" {
		return Status{}, fmt.Errorf("%w: missing device id", ErrInvalidPayload)
	}

	fields := map[string]any{
		fieldOnline:   database.BoolToInt(update.Online),
		fieldLastSeen: database.FormatTime(update.LastSeen),
	}
	setString := func(name, v string) {
		if v != "" {
			fields[name] = v
		}
	}
	setInt := func(name string, v int64) {
		if v != 0 {
			fields[name] = v
		}
	}
	setString(fieldFirmwareVersion, update.FirmwareVersion)
	setString(fieldHardwareVersion, update.HardwareVersion)
	setString(fieldDeviceName, update.DeviceName)
	setString(fieldIPAddress, update.IPAddress)
	setString(fieldWiFiSSID, update.WiFiSSID)
	setInt(fieldWiFiSignal, int64(update.WiFiSignal))
	setInt(fieldFreeHeap, update.FreeHeap)
	setInt(fieldCPUFrequency, int64(update.CPUFrequency))
	setInt(fieldUptime, update.UptimeSeconds)

	key := statusKey(update.DeviceID)
	var all *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, s.ttl)
		pipe.SAdd(ctx, statusIndexKey, update.DeviceID)
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("updating device status: %w", err)
	}
	return decodeStatusHash(update.DeviceID, all.Val())
}

func (s *RedisStatusStore) Get(ctx context.Context, deviceID string) (Status, error) {
	fields, err := s.rdb.HGetAll(ctx, statusKey(deviceID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("reading device status: %w", err)
	}
	if len(fields) == 0 {
		return Status{}, ErrDeviceNotFound
	}
	return decodeStatusHash(deviceID, fields)
}

// List returns every indexed status. Index entries whose hash has expired
// are pruned.
func (s *RedisStatusStore) List(ctx context.Context) ([]Status, error) {
	ids, err := s.rdb.SMembers(ctx, statusIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing device status: %w", err)
	}
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if errors.Is(err, ErrDeviceNotFound) {
			s.rdb.SRem(ctx, statusIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// MarkOffline is safe to run from several processes: flipping the online
// field is idempotent and a concurrent heartbeat simply wins.
func (s *RedisStatusStore) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	statuses, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, st := range statuses {
		if !st.Online || !st.LastSeen.Before(cutoff) {
			continue
		}
		if err := s.rdb.HSet(ctx, statusKey(st.DeviceID), fieldOnline, 0).Err(); err != nil {
			return ids, fmt.Errorf("marking %s offline: %w", st.DeviceID, err)
		}
		ids = append(ids, st.DeviceID)
	}
	return ids, nil
}

func decodeStatusHash(deviceID string, fields map[string]string) (Status, error) {
	st := Status{
		DeviceID:        deviceID,
		Online:          fields[fieldOnline] == "1",
		FirmwareVersion: fields[fieldFirmwareVersion],
		HardwareVersion: fields[fieldHardwareVersion],
		DeviceName:      fields[fieldDeviceName],
		IPAddress:       fields[fieldIPAddress],
		WiFiSSID:        fields[fieldWiFiSSID],
	}
	if v := fields[fieldLastSeen]; v != "" {
		t, err := database.ParseTime(v)
		if err != nil {
			return Status{}, err
		}
		st.LastSeen = t
	}

	ints := []struct {
		name string
		dst  func(int64)
	}{
		{fieldWiFiSignal, func(v int64) { st.WiFiSignal = int(v) }},
		{fieldFreeHeap, func(v int64) { st.FreeHeap = v }},
		{fieldCPUFrequency, func(v int64) { st.CPUFrequency = int(v) }},
		{fieldUptime, func(v int64) { st.UptimeSeconds = v }},
	}
	for _, f := range ints {
		raw, ok := fields[f.name]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Status{}, fmt.Errorf("parsing %s: %w", f.name, err)
		}
		f.dst(v)
	}
	return st, nil
}

var (
	_ StatusStore = (*MemoryStatusStore)(nil)
	_ StatusStore = (*RedisStatusStore)(nil)
)

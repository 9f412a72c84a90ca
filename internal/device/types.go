package device

import "time"

// Device is one ESP32 pond controller. Its ID is the MAC address the
// firmware uses in MQTT topics.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`

	// Ponds driven by this controller, ordered by position.
	Ponds []Pond `json:"ponds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pond is a logical pond addressed by its 1-or-2 position on a controller.
type Pond struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Position int    `json:"position"`
	Name     string `json:"name"`
	OwnerID  string `json:"owner_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy, so cached devices never leak
// mutable state to callers.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.Ponds != nil {
		cpy.Ponds = make([]Pond, len(d.Ponds))
		copy(cpy.Ponds, d.Ponds)
	}
	return &cpy
}

// PondAt returns the pond at position, if any.
func (d *Device) PondAt(position int) (Pond, bool) {
	for _, p := range d.Ponds {
		if p.Position == position {
			return p, true
		}
	}
	return Pond{}, false
}

// Status is the live connectivity snapshot of a controller, fed by
// heartbeat, startup and status messages.
type Status struct {
	DeviceID        string    `json:"device_id"`
	Online          bool      `json:"online"`
	LastSeen        time.Time `json:"last_seen"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	HardwareVersion string    `json:"hardware_version,omitempty"`
	DeviceName      string    `json:"device_name,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
	WiFiSSID        string    `json:"wifi_ssid,omitempty"`
	WiFiSignal      int       `json:"wifi_signal_strength,omitempty"`
	FreeHeap        int64     `json:"free_heap,omitempty"`
	CPUFrequency    int       `json:"cpu_frequency,omitempty"`
	UptimeSeconds   int64     `json:"uptime,omitempty"`
}

// Merge overlays the non-zero fields of update onto s. Identity, online
// flag and last-seen always come from update.
func (s Status) Merge(update Status) Status {
	out := s
	out.DeviceID = update.DeviceID
	out.Online = update.Online
	out.LastSeen = update.LastSeen
	if update.FirmwareVersion != "" {
		out.FirmwareVersion = update.FirmwareVersion
	}
	if update.HardwareVersion != "" {
		out.HardwareVersion = update.HardwareVersion
	}
	if update.DeviceName != "" {
		out.DeviceName = update.DeviceName
	}
	if update.IPAddress != "" {
		out.IPAddress = update.IPAddress
	}
	if update.WiFiSSID != "" {
		out.WiFiSSID = update.WiFiSSID
	}
	if update.WiFiSignal != 0 {
		out.WiFiSignal = update.WiFiSignal
	}
	if update.FreeHeap != 0 {
		out.FreeHeap = update.FreeHeap
	}
	if update.CPUFrequency != 0 {
		out.CPUFrequency = update.CPUFrequency
	}
	if update.UptimeSeconds != 0 {
		out.UptimeSeconds = update.UptimeSeconds
	}
	return out
}

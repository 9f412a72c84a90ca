package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Listener      *ListenerMetrics `json:"listener,omitempty"`
	Devices       DeviceMetrics    `json:"devices"`
	Database      DatabaseMetrics  `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// ListenerMetrics contains inbound device message counters.
type ListenerMetrics struct {
	Received uint64 `json:"received"`
	Handled  uint64 `json:"handled"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// DeviceMetrics contains device registry and liveness statistics.
type DeviceMetrics struct {
	Total  int `json:"total"`
	Ponds  int `json:"ponds"`
	Online int `json:"online"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleSystem returns process, hub, listener and registry statistics.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
	}

	if s.listener != nil {
		st := s.listener.GetStats()
		metrics.Listener = &ListenerMetrics{
			Received: st.Received,
			Handled:  st.Handled,
			Dropped:  st.Dropped,
			Failed:   st.Failed,
			Rejected: st.Rejected,
		}
	}

	regStats := s.registry.GetStats()
	metrics.Devices = DeviceMetrics{
		Total: regStats.TotalDevices,
		Ponds: regStats.TotalPonds,
	}
	if statuses, err := s.status.List(r.Context()); err == nil {
		for _, st := range statuses {
			if st.Online {
				metrics.Devices.Online++
			}
		}
	} else {
		s.logger.Warn("listing device status failed", "error", err)
	}

	// Database stats (if available)
	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

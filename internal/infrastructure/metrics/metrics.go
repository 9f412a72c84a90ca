// Package metrics exposes aquacore Prometheus counters.
//
// Init registers everything once per process; the Inc/Observe helpers are
// safe to call before Init (they no-op), which keeps unit tests free of
// global registry state.
package metrics

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "aquacore_"

	// Bridge directions.
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"

	ResultSuccess = "success"
	ResultError   = "error"

	// Conflict resolver outcomes.
	ConflictAllowed  = "allowed"
	ConflictDeferred = "deferred"
	ConflictBusy     = "busy"
	ConflictDropped  = "dropped"
)

// Logger is the subset of logging.Logger used for gauge query failures.
type Logger interface {
	Warn(msg string, args ...any)
}

var (
	registerOnce sync.Once

	commandsIssued   prometheus.Counter
	commandResults   *prometheus.CounterVec
	commandRetries   prometheus.Counter
	executionResults *prometheus.CounterVec
	conflictOutcomes *prometheus.CounterVec
	bridgeMessages   *prometheus.CounterVec
	bridgeLatency    *prometheus.HistogramVec
	thresholdTrigger *prometheus.CounterVec
	sensorRejects    *prometheus.CounterVec
)

// Init registers counters and DB-backed gauges with the default registry.
// db may be nil (the bridge process only needs counters).
func Init(db *sql.DB, logger Logger) {
	registerOnce.Do(func() {
		commandsIssued = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "commands_issued_total",
			Help: "Total device commands published for the first time",
		})
		commandResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "command_results_total",
			Help: "Total terminal command outcomes by status",
		}, []string{"status"})
		commandRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "command_retries_total",
			Help: "Total command re-publishes after a watchdog expiry",
		})
		executionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "execution_results_total",
			Help: "Total closed automation executions by status and origin",
		}, []string{"status", "origin"})
		conflictOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "conflict_decisions_total",
			Help: "Total conflict resolver decisions by outcome",
		}, []string{"outcome"})
		bridgeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "bridge_messages_total",
			Help: "Total relayed bridge messages by direction and result",
		}, []string{"direction", "result"})
		bridgeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "bridge_relay_latency_seconds",
			Help:    "Time spent relaying a single message",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"})
		thresholdTrigger = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "threshold_triggers_total",
			Help: "Total threshold violations that requested an execution, by parameter",
		}, []string{"parameter"})
		sensorRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "sensor_values_rejected_total",
			Help: "Sensor values discarded as physically implausible, by parameter",
		}, []string{"parameter"})

		prometheus.MustRegister(
			commandsIssued,
			commandResults,
			commandRetries,
			executionResults,
			conflictOutcomes,
			bridgeMessages,
			bridgeLatency,
			thresholdTrigger,
			sensorRejects,
		)

		if db != nil {
			registerDBGauges(db, logger)
		}
	})
}

func registerDBGauges(db *sql.DB, logger Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_in_flight",
			Help: "Commands waiting on a device (PENDING, SENT or ACKNOWLEDGED)",
		},
		func() float64 {
			return queryCount(db, logger,
				"SELECT COUNT(*) FROM device_commands WHERE status IN ('PENDING','SENT','ACKNOWLEDGED')")
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "executions_deferred",
			Help: "Executions waiting for a conflicting execution to finish",
		},
		func() float64 {
			return queryCount(db, logger,
				"SELECT COUNT(*) FROM automation_executions WHERE status = 'PENDING'")
		},
	))
}

func queryCount(db *sql.DB, logger Logger, query string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var count int64
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", "error", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

// IncCommandIssued increments the issued command counter.
func IncCommandIssued() {
	if commandsIssued != nil {
		commandsIssued.Inc()
	}
}

// IncCommandResult increments the terminal command outcome counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// IncCommandRetry increments the retry counter.
func IncCommandRetry() {
	if commandRetries != nil {
		commandRetries.Inc()
	}
}

// IncExecutionResult increments the closed execution counter.
func IncExecutionResult(status, origin string) {
	if executionResults != nil {
		executionResults.WithLabelValues(status, origin).Inc()
	}
}

// IncConflictDecision increments the resolver outcome counter.
func IncConflictDecision(outcome string) {
	if conflictOutcomes != nil {
		conflictOutcomes.WithLabelValues(outcome).Inc()
	}
}

// ObserveBridgeMessage records one relayed message.
func ObserveBridgeMessage(direction string, err error, duration time.Duration) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	if bridgeMessages != nil {
		bridgeMessages.WithLabelValues(direction, result).Inc()
	}
	if bridgeLatency != nil {
		bridgeLatency.WithLabelValues(direction).Observe(duration.Seconds())
	}
}

// IncThresholdTrigger increments the threshold trigger counter.
func IncThresholdTrigger(parameter string) {
	if thresholdTrigger != nil {
		thresholdTrigger.WithLabelValues(parameter).Inc()
	}
}

// IncSensorRejected increments the implausible sensor value counter.
func IncSensorRejected(parameter string) {
	if sensorRejects != nil {
		sensorRejects.WithLabelValues(parameter).Inc()
	}
}

// Package maintenance runs periodic housekeeping for the core process:
// retention purges of terminal commands, the bridge message log and the
// audit trail, and marking controllers offline once their heartbeats stop.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/notify"
)

// Logger is the logging interface used by the janitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// CommandPurger deletes terminal commands.
type CommandPurger interface {
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessagePurger deletes log rows (bridge messages, audit entries) older
// than a cutoff.
type MessagePurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds retention and presence settings. A zero retention keeps
// rows forever; a zero heartbeat timeout disables the offline sweep.
type Config struct {
	CommandRetention time.Duration
	MessageRetention time.Duration
	AuditRetention   time.Duration
	HeartbeatTimeout time.Duration
}

// Report summarises one sweep.
type Report struct {
	CommandsPurged int64    `json:"commands_purged"`
	MessagesPurged int64    `json:"messages_purged"`
	AuditPurged    int64    `json:"audit_purged"`
	WentOffline    []string `json:"went_offline,omitempty"`
}

// Janitor performs the housekeeping sweeps.
type Janitor struct {
	commands CommandPurger
	messages MessagePurger
	audit    MessagePurger
	status   device.StatusStore
	cfg      Config
	notifier notify.Notifier
	logger   Logger
	clock    Clock
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger.
func WithLogger(l Logger) Option { return func(j *Janitor) { j.logger = l } }

// WithClock sets the clock.
func WithClock(c Clock) Option { return func(j *Janitor) { j.clock = c } }

// WithNotifier announces devices that went offline.
func WithNotifier(n notify.Notifier) Option { return func(j *Janitor) { j.notifier = n } }

// WithMessageLog enables message log retention.
func WithMessageLog(m MessagePurger) Option { return func(j *Janitor) { j.messages = m } }

// WithAuditLog enables audit trail retention.
func WithAuditLog(a MessagePurger) Option { return func(j *Janitor) { j.audit = a } }

// New creates a Janitor.
func New(commands CommandPurger, status device.StatusStore, cfg Config, opts ...Option) *Janitor {
	j := &Janitor{
		commands: commands,
		status:   status,
		cfg:      cfg,
		logger:   noopLogger{},
		clock:    systemClock{},
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// SweepOffline marks devices whose last heartbeat is older than the
// heartbeat timeout as offline.
func (j *Janitor) SweepOffline(ctx context.Context) ([]string, error) {
	if j.cfg.HeartbeatTimeout <= 0 || j.status == nil {
		return nil, nil
	}
	now := j.clock.Now()
	ids, err := j.status.MarkOffline(ctx, now.Add(-j.cfg.HeartbeatTimeout))
	if err != nil {
		return nil, fmt.Errorf("marking devices offline: %w", err)
	}
	for _, id := range ids {
		j.logger.Warn("device went offline", "device_id", id, "timeout", j.cfg.HeartbeatTimeout)
		if j.notifier != nil {
			j.notifier.Notify(ctx, bridge.StatusUpdate{
				Kind:      bridge.UpdateDevice,
				ID:        id,
				DeviceID:  id,
				Status:    "offline",
				Timestamp: now,
			})
		}
	}
	return ids, nil
}

// Purge applies the retention windows.
func (j *Janitor) Purge(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	now := j.clock.Now()

	if j.cfg.CommandRetention > 0 && j.commands != nil {
		n, err := j.commands.PurgeTerminalBefore(ctx, now.Add(-j.cfg.CommandRetention))
		if err != nil {
			errs = append(errs, err)
		}
		report.CommandsPurged = n
	}
	if j.cfg.MessageRetention > 0 && j.messages != nil {
		n, err := j.messages.PurgeBefore(ctx, now.Add(-j.cfg.MessageRetention))
		if err != nil {
			errs = append(errs, err)
		}
		report.MessagesPurged = n
	}
	if j.cfg.AuditRetention > 0 && j.audit != nil {
		n, err := j.audit.PurgeBefore(ctx, now.Add(-j.cfg.AuditRetention))
		if err != nil {
			errs = append(errs, err)
		}
		report.AuditPurged = n
	}
	if report.CommandsPurged > 0 || report.MessagesPurged > 0 || report.AuditPurged > 0 {
		j.logger.Info("retention purge",
			"commands", report.CommandsPurged, "messages", report.MessagesPurged, "audit", report.AuditPurged)
	}
	return report, errors.Join(errs...)
}

// Sweep runs the offline sweep and the retention purge.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	offline, offErr := j.SweepOffline(ctx)
	report, err := j.Purge(ctx)
	report.WentOffline = offline
	return report, errors.Join(offErr, err)
}

// Run sweeps presence every offlineInterval and purges every purgeInterval
// until ctx ends. A panic in a sweep is logged and the loop restarts.
func (j *Janitor) Run(ctx context.Context, offlineInterval, purgeInterval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("janitor crashed, restarting", "panic", r, "stack", string(debug.Stack()))
			if ctx.Err() == nil {
				go j.Run(ctx, offlineInterval, purgeInterval)
			}
		}
	}()

	if offlineInterval <= 0 {
		offlineInterval = 10 * time.Second
	}
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	offline := time.NewTicker(offlineInterval)
	defer offline.Stop()
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	j.logger.Info("janitor started", "offline_interval", offlineInterval, "purge_interval", purgeInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-offline.C:
			if _, err := j.SweepOffline(ctx); err != nil {
				j.logger.Error("offline sweep failed", "error", err)
			}
		case <-purge.C:
			if _, err := j.Purge(ctx); err != nil {
				j.logger.Error("retention purge failed", "error", err)
			}
		}
	}
}

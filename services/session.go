package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rangepulse/config"
	"rangepulse/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoDevices is returned when configure or start is attempted with zero
// usable devices. Partial failure never produces it; only a fully empty set.
var ErrNoDevices = errors.New("no usable devices for session")

// SessionStore persists finalized session history.
type SessionStore interface {
	SaveSessionHistory(ctx context.Context, record *models.SessionHistoryRecord) error
	FetchSessionHistory(ctx context.Context) ([]models.SessionHistoryRecord, error)
}

// HistorySink receives the finalized record for downstream consumers. Both
// methods are best effort from the session manager's point of view.
type HistorySink interface {
	PublishHistory(record *models.SessionHistoryRecord) error
}

// SessionNotifier raises operator-facing notifications.
type SessionNotifier interface {
	NotifyDegraded(sessionID, reason string) error
	NotifySessionComplete(record *models.SessionHistoryRecord) error
}

// SessionCallbacks are the lifecycle hooks exposed to the consuming surface.
type SessionCallbacks struct {
	OnConfigured func(models.CommandOutcome)
	OnStarted    func(models.CommandOutcome)
	OnStopped    func(models.CommandOutcome)
	OnCompleted  func(*models.SessionHistoryRecord)
	OnSnapshot   func(models.LiveSnapshot)
}

// SessionManager drives a multi-device session through its command lifecycle:
// configure, start, active, stop, completed. Transitions happen only through
// explicit operations; telemetry informs content, never lifecycle.
type SessionManager struct {
	transport Transport
	store     SessionStore
	registry  DeviceRegistry
	processor *StreamProcessor
	publisher HistorySink
	notifier  SessionNotifier
	config    *config.Config
	logger    *zap.Logger
	callbacks SessionCallbacks

	mu       sync.Mutex
	session  *models.GameSession
	stopped  map[string]bool
	handle   *ProcessorHandle
	infoStop chan struct{}
}

func NewSessionManager(transport Transport, store SessionStore, registry DeviceRegistry, processor *StreamProcessor, cfg *config.Config, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		transport: transport,
		store:     store,
		registry:  registry,
		processor: processor,
		config:    cfg,
		logger:    logger,
		stopped:   make(map[string]bool),
	}
}

// SetCallbacks installs lifecycle hooks. Call before ConfigureDevices.
func (sm *SessionManager) SetCallbacks(cb SessionCallbacks) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.callbacks = cb
}

// SetPublisher installs an optional history sink.
func (sm *SessionManager) SetPublisher(p HistorySink) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.publisher = p
}

// SetNotifier installs an optional operator notifier.
func (sm *SessionManager) SetNotifier(n SessionNotifier) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.notifier = n
}

// NewSessionID mints a session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ConfigureDevices filters the requested set to devices online in the
// registry snapshot, dispatches the configure command to that subset, and
// partitions the responses. Offline devices fail without a network call.
func (sm *SessionManager) ConfigureDevices(ctx context.Context, deviceIDs []string, sessionID string, durationLimit time.Duration) (models.CommandOutcome, error) {
	// A live processor handle means a started session that was never ended.
	// Replacing the session under it would fold its telemetry into the new
	// session's devices and leak its subscription.
	sm.mu.Lock()
	if sm.handle != nil {
		liveID := ""
		if sm.session != nil {
			liveID = sm.session.SessionID
		}
		sm.mu.Unlock()
		return models.CommandOutcome{}, fmt.Errorf("session %s is still live, end it before configuring another", liveID)
	}
	sm.mu.Unlock()

	snapshot, err := sm.registry.DeviceSnapshot(ctx)
	if err != nil {
		return models.CommandOutcome{}, fmt.Errorf("failed to read registry snapshot: %w", err)
	}

	outcome := models.CommandOutcome{
		Success:  []string{},
		Failed:   []string{},
		Warnings: []string{},
	}
	online := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		d, known := snapshot[id]
		if !known || !d.Online {
			outcome.Failed = append(outcome.Failed, id)
			continue
		}
		online = append(online, id)
	}

	if len(online) == 0 {
		sm.logger.Error("Configure rejected, no online devices",
			zap.String("session_id", sessionID),
			zap.Strings("requested", deviceIDs))
		return outcome, ErrNoDevices
	}

	results, err := sm.transport.SendCommand(ctx, models.CommandConfigure, online, map[string]interface{}{
		"session_id":  sessionID,
		"duration_ms": durationLimit.Milliseconds(),
	})
	if err != nil {
		return outcome, fmt.Errorf("configure dispatch failed: %w", err)
	}

	dispatched := models.PartitionResults(results)
	outcome.Success = dispatched.Success
	outcome.Failed = append(outcome.Failed, dispatched.Failed...)
	outcome.Warnings = dispatched.Warnings

	devices := make([]*models.DeviceSessionStatus, 0, len(outcome.Success))
	for _, id := range outcome.Success {
		d := snapshot[id]
		devices = append(devices, &models.DeviceSessionStatus{
			DeviceID:     id,
			DisplayName:  d.DisplayName,
			State:        models.StateConfiguring,
			WifiStrength: d.WifiStrength,
			AmbientLight: d.AmbientLight,
			LastSeen:     d.LastSeen,
			Online:       true,
		})
	}

	sm.mu.Lock()
	sm.session = &models.GameSession{
		SessionID:     sessionID,
		Name:          sessionID,
		DurationLimit: durationLimit,
		Devices:       devices,
		State:         models.StateConfiguring,
	}
	sm.stopped = make(map[string]bool)
	cb := sm.callbacks.OnConfigured
	sm.mu.Unlock()

	sm.logger.Info("Session configured",
		zap.String("session_id", sessionID),
		zap.Int("success", len(outcome.Success)),
		zap.Int("failed", len(outcome.Failed)),
		zap.Int("warnings", len(outcome.Warnings)))

	if cb != nil {
		cb(outcome)
	}
	return outcome, nil
}

// StartGame dispatches the start command, resets per-device hit state on each
// success ack, opens the telemetry processor for the surviving set, and
// begins periodic info polling.
func (sm *SessionManager) StartGame(ctx context.Context, deviceIDs []string, sessionID string) (models.CommandOutcome, error) {
	sm.mu.Lock()
	session := sm.session
	if session == nil || session.SessionID != sessionID {
		sm.mu.Unlock()
		return models.CommandOutcome{}, fmt.Errorf("session %s is not configured", sessionID)
	}
	if state := session.State; state != models.StateConfiguring {
		sm.mu.Unlock()
		return models.CommandOutcome{}, fmt.Errorf("session %s is %s, expected %s", sessionID, state, models.StateConfiguring)
	}
	sm.mu.Unlock()

	results, err := sm.transport.SendCommand(ctx, models.CommandStart, deviceIDs, map[string]interface{}{
		"session_id": sessionID,
	})
	if err != nil {
		return models.CommandOutcome{}, fmt.Errorf("start dispatch failed: %w", err)
	}
	outcome := models.PartitionResults(results)
	if len(outcome.Success) == 0 {
		return outcome, ErrNoDevices
	}

	tracked := make([]models.TrackedDevice, 0, len(outcome.Success))

	sm.mu.Lock()
	for _, id := range outcome.Success {
		d := session.Device(id)
		if d == nil {
			continue
		}
		d.HitCount = 0
		d.HitTimestamps = nil
		d.State = models.StateActive
		tracked = append(tracked, models.TrackedDevice{DeviceID: id, DisplayName: d.DisplayName})
	}
	for _, id := range outcome.Failed {
		if d := session.Device(id); d != nil {
			d.State = models.StateIdle
		}
	}
	session.State = models.StateActive
	session.StartTime = time.Now()
	cb := sm.callbacks.OnStarted
	sm.mu.Unlock()

	handle, err := sm.processor.Open(tracked, sessionID, OpenOptions{
		OnUpdate:       sm.applySnapshot,
		StoppedDevices: sm.stoppedSet,
	})
	if err != nil {
		return outcome, fmt.Errorf("failed to open telemetry processor: %w", err)
	}

	infoStop := make(chan struct{})
	sm.mu.Lock()
	sm.handle = handle
	sm.infoStop = infoStop
	sm.mu.Unlock()

	activeIDs := make([]string, len(tracked))
	for i, d := range tracked {
		activeIDs[i] = d.DeviceID
	}
	go sm.runInfoPolling(activeIDs, infoStop)

	sm.logger.Info("Session started",
		zap.String("session_id", sessionID),
		zap.Int("active_devices", len(tracked)),
		zap.Int("failed", len(outcome.Failed)))

	if cb != nil {
		cb(outcome)
	}
	return outcome, nil
}

// StopGame dispatches the stop command. Acknowledging devices enter the
// stopped set consulted by the processor, so late hits are ignored.
func (sm *SessionManager) StopGame(ctx context.Context, deviceIDs []string, sessionID string) (models.CommandOutcome, error) {
	sm.mu.Lock()
	session := sm.session
	if session == nil || session.SessionID != sessionID {
		sm.mu.Unlock()
		return models.CommandOutcome{}, fmt.Errorf("session %s is not active", sessionID)
	}
	sm.mu.Unlock()

	results, err := sm.transport.SendCommand(ctx, models.CommandStop, deviceIDs, map[string]interface{}{
		"session_id": sessionID,
	})
	if err != nil {
		return models.CommandOutcome{}, fmt.Errorf("stop dispatch failed: %w", err)
	}
	outcome := models.PartitionResults(results)

	sm.mu.Lock()
	for _, id := range outcome.Success {
		sm.stopped[id] = true
		if d := session.Device(id); d != nil {
			d.State = models.StateStopped
		}
	}
	allStopped := true
	for _, d := range session.Devices {
		if d.State == models.StateActive {
			allStopped = false
			break
		}
	}
	if allStopped {
		session.State = models.StateStopped
	}
	cb := sm.callbacks.OnStopped
	sm.mu.Unlock()

	sm.logger.Info("Stop dispatched",
		zap.String("session_id", sessionID),
		zap.Int("acknowledged", len(outcome.Success)),
		zap.Int("failed", len(outcome.Failed)),
		zap.Bool("all_stopped", allStopped))

	if cb != nil {
		cb(outcome)
	}
	return outcome, nil
}

// EndGame finalizes the session: cancels info polling, closes the processor,
// synthesizes the immutable history record, persists it, and discards the
// live session from memory.
func (sm *SessionManager) EndGame(ctx context.Context) (*models.SessionHistoryRecord, error) {
	sm.mu.Lock()
	session := sm.session
	handle := sm.handle
	infoStop := sm.infoStop
	sm.session = nil
	sm.handle = nil
	sm.infoStop = nil
	publisher := sm.publisher
	notifier := sm.notifier
	cb := sm.callbacks.OnCompleted
	sm.mu.Unlock()

	if session == nil {
		return nil, fmt.Errorf("no session to end")
	}

	if infoStop != nil {
		close(infoStop)
	}

	var snapshot models.LiveSnapshot
	if handle != nil {
		handle.Close()
		snapshot = handle.Snapshot()
	}

	session.State = models.StateCompleted
	session.EndTime = time.Now()
	record := SynthesizeHistory(session, snapshot)

	if err := sm.store.SaveSessionHistory(ctx, record); err != nil {
		return record, fmt.Errorf("failed to persist session history: %w", err)
	}

	if publisher != nil {
		if err := publisher.PublishHistory(record); err != nil {
			sm.logger.Warn("Failed to publish session history",
				zap.String("session_id", record.SessionID),
				zap.Error(err))
		}
	}
	if notifier != nil {
		if err := notifier.NotifySessionComplete(record); err != nil {
			sm.logger.Warn("Failed to send session summary",
				zap.String("session_id", record.SessionID),
				zap.Error(err))
		}
	}

	sm.logger.Info("Session completed",
		zap.String("session_id", record.SessionID),
		zap.Int("total_hits", record.TotalHits),
		zap.Int("switch_count", record.SwitchCount),
		zap.Duration("duration", record.Duration))

	if cb != nil {
		cb(record)
	}
	return record, nil
}

// Session returns the live session object, or nil outside a session.
func (sm *SessionManager) Session() *models.GameSession {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.session
}

func (sm *SessionManager) stoppedSet() map[string]bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]bool, len(sm.stopped))
	for id := range sm.stopped {
		out[id] = true
	}
	return out
}

// applySnapshot folds processor metrics into the session's device statuses
// and forwards the snapshot to the consuming surface.
func (sm *SessionManager) applySnapshot(snapshot models.LiveSnapshot) {
	perDevice := make(map[string][]time.Time)
	for _, hit := range snapshot.HitHistory {
		perDevice[hit.DeviceID] = append(perDevice[hit.DeviceID], hit.Timestamp)
	}

	sm.mu.Lock()
	session := sm.session
	if session != nil {
		for _, d := range session.Devices {
			if n, ok := snapshot.HitCounts[d.DeviceID]; ok {
				d.HitCount = n
				d.HitTimestamps = perDevice[d.DeviceID]
			}
		}
	}
	cb := sm.callbacks.OnSnapshot
	sm.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// runInfoPolling refreshes liveness, signal and ambient-light fields for the
// active device set on its own timer, independent of the adaptive poller.
func (sm *SessionManager) runInfoPolling(deviceIDs []string, stop chan struct{}) {
	ticker := time.NewTicker(sm.config.InfoPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Ask the devices to refresh their retained state before reading it.
			cmdCtx, cmdCancel := context.WithTimeout(context.Background(), sm.config.CommandTimeout)
			if _, err := sm.transport.SendCommand(cmdCtx, models.CommandInfo, deviceIDs, nil); err != nil {
				sm.logger.Debug("Info refresh dispatch failed", zap.Error(err))
			}
			cmdCancel()

			ctx, cancel := context.WithTimeout(context.Background(), sm.config.DeviceQueryTimeout)
			readings, err := sm.transport.FetchLatest(ctx, deviceIDs, []string{"status", "wifi", "light"})
			cancel()
			if err != nil {
				sm.logger.Warn("Info poll failed", zap.Error(err))
				sm.mu.Lock()
				notifier := sm.notifier
				sessionID := ""
				if sm.session != nil {
					sessionID = sm.session.SessionID
				}
				sm.mu.Unlock()
				if notifier != nil && sessionID != "" {
					if nerr := notifier.NotifyDegraded(sessionID, "info poll failed: "+err.Error()); nerr != nil {
						sm.logger.Warn("Failed to send degraded alert", zap.Error(nerr))
					}
				}
				continue
			}

			sm.mu.Lock()
			if sm.session != nil {
				for id, r := range readings {
					if d := sm.session.Device(id); d != nil {
						d.WifiStrength = r.WifiStrength
						d.AmbientLight = r.AmbientLight
						d.Online = r.Online
						d.LastSeen = r.Updated
					}
				}
			}
			sm.mu.Unlock()
		}
	}
}

// SynthesizeHistory converts a finished session plus accumulated metrics into
// an immutable history record. Deterministic: the same hit set always yields
// the same summaries and switch statistics.
func SynthesizeHistory(session *models.GameSession, snapshot models.LiveSnapshot) *models.SessionHistoryRecord {
	record := &models.SessionHistoryRecord{
		SessionID:        session.SessionID,
		Name:             session.Name,
		StartTime:        session.StartTime,
		EndTime:          session.EndTime,
		Duration:         session.EndTime.Sub(session.StartTime),
		MultiTarget:      len(session.Devices) > 1,
		Devices:          make([]models.DeviceSummary, 0, len(session.Devices)),
		Splits:           snapshot.Splits,
		Transitions:      snapshot.Transitions,
		RoundCompletions: snapshot.RoundCompletions,
		TotalHits:        len(snapshot.HitHistory),
	}

	perDevice := make(map[string][]time.Time)
	for _, hit := range snapshot.HitHistory {
		perDevice[hit.DeviceID] = append(perDevice[hit.DeviceID], hit.Timestamp)
	}

	for _, d := range session.Devices {
		timestamps := append([]time.Time(nil), perDevice[d.DeviceID]...)
		sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

		summary := models.DeviceSummary{
			DeviceID:      d.DeviceID,
			DisplayName:   d.DisplayName,
			HitCount:      len(timestamps),
			HitTimestamps: timestamps,
		}
		if len(timestamps) > 0 {
			summary.FirstHitTime = timestamps[0]
			summary.LastHitTime = timestamps[len(timestamps)-1]
		}
		if len(timestamps) > 1 {
			var total time.Duration
			for i := 1; i < len(timestamps); i++ {
				total += timestamps[i].Sub(timestamps[i-1])
			}
			summary.AverageInterval = total / time.Duration(len(timestamps)-1)
		}
		record.Devices = append(record.Devices, summary)
	}

	record.SwitchCount, record.AverageSwitchInterval = switchStats(snapshot.HitHistory)
	return record
}

// switchStats walks the chronologically merged hit list and counts device
// changes. Ties on timestamp break by device ID so the walk is stable.
func switchStats(hits []models.HitRecord) (int, time.Duration) {
	merged := append([]models.HitRecord(nil), hits...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].DeviceID < merged[j].DeviceID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	count := 0
	var total time.Duration
	for i := 1; i < len(merged); i++ {
		if merged[i].DeviceID != merged[i-1].DeviceID {
			count++
			total += merged[i].Timestamp.Sub(merged[i-1].Timestamp)
		}
	}
	if count == 0 {
		return 0, 0
	}
	return count, total / time.Duration(count)
}

package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"rangepulse/config"
	"rangepulse/models"

	"go.uber.org/zap"
)

// StreamProcessor builds per-session telemetry pipelines. Each Open call
// produces a handle with fresh state; handles are never shared across
// sessions.
type StreamProcessor struct {
	transport Transport
	config    *config.Config
	logger    *zap.Logger
}

func NewStreamProcessor(transport Transport, cfg *config.Config, logger *zap.Logger) *StreamProcessor {
	return &StreamProcessor{
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// OpenOptions wires a processor handle to its session.
type OpenOptions struct {
	// OnUpdate receives a fresh live snapshot after every accepted event.
	// Must not block; it is invoked on the transport's delivery goroutine.
	OnUpdate func(models.LiveSnapshot)
	// StoppedDevices supplies the set of devices whose stop command has been
	// acknowledged. Hits from those devices are dropped.
	StoppedDevices func() map[string]bool
	// PollInterval overrides the configured fallback poll interval when the
	// caller has an activity hint. Zero means use the configured default.
	PollInterval time.Duration
}

// ProcessorHandle owns one session's accumulated telemetry state.
type ProcessorHandle struct {
	mu sync.Mutex

	sessionID   string
	openedAt    time.Time
	tracked     map[string]models.TrackedDevice
	multiTarget bool

	hitCounts  map[string]int
	hitTimes   map[string][]time.Time
	prevHit    map[string]time.Time
	hits       []models.HitRecord
	splits     []models.SplitRecord
	splitCount map[string]int

	transitions  []models.TransitionRecord
	lastHitDev   string
	lastHitTime  time.Time
	lastRound    int
	lastRoundAt  time.Time
	lastRoundDev string
	rounds       []models.RoundCompletion

	ready         map[string]time.Time
	earliestReady time.Time

	stopped  func() map[string]bool
	onUpdate func(models.LiveSnapshot)

	degraded    bool
	pollMarks   map[string]time.Time
	unsubscribe Unsubscribe
	stopPoll    chan struct{}
	closed      bool

	transport Transport
	config    *config.Config
	logger    *zap.Logger
}

// Open subscribes to the push feed for the tracked device set and arms the
// fallback poller. The handle starts with completely fresh state.
func (sp *StreamProcessor) Open(tracked []models.TrackedDevice, sessionID string, opts OpenOptions) (*ProcessorHandle, error) {
	if len(tracked) == 0 {
		return nil, fmt.Errorf("cannot open processor with no tracked devices")
	}

	h := &ProcessorHandle{
		sessionID:   sessionID,
		openedAt:    time.Now(),
		tracked:     make(map[string]models.TrackedDevice, len(tracked)),
		multiTarget: len(tracked) > 1,
		hitCounts:   make(map[string]int, len(tracked)),
		hitTimes:    make(map[string][]time.Time, len(tracked)),
		prevHit:     make(map[string]time.Time, len(tracked)),
		splitCount:  make(map[string]int, len(tracked)),
		ready:       make(map[string]time.Time, len(tracked)),
		pollMarks:   make(map[string]time.Time, len(tracked)),
		stopped:     opts.StoppedDevices,
		onUpdate:    opts.OnUpdate,
		stopPoll:    make(chan struct{}),
		transport:   sp.transport,
		config:      sp.config,
		logger:      sp.logger,
	}

	deviceIDs := make([]string, 0, len(tracked))
	for _, d := range tracked {
		h.tracked[d.DeviceID] = d
		h.pollMarks[d.DeviceID] = h.openedAt
		deviceIDs = append(deviceIDs, d.DeviceID)
	}

	pollInterval := sp.config.FallbackPollInterval
	if opts.PollInterval > 0 {
		pollInterval = opts.PollInterval
	}

	unsubscribe, err := sp.transport.Subscribe(deviceIDs, h.Ingest, SubscribeOptions{
		Realtime:     true,
		PollInterval: pollInterval,
		OnError: func(err error) {
			h.markDegraded(err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe for session %s: %w", sessionID, err)
	}
	h.unsubscribe = unsubscribe

	go h.runFallbackPoller(deviceIDs, pollInterval)

	sp.logger.Info("Telemetry processor opened",
		zap.String("session_id", sessionID),
		zap.Int("device_count", len(tracked)),
		zap.Bool("multi_target", h.multiTarget))

	return h, nil
}

// Ingest runs one event through the admission pipeline and, when accepted,
// through split/transition/round derivation. Safe to call from the push
// delivery goroutine and the fallback poller concurrently.
func (h *ProcessorHandle) Ingest(event models.TelemetryEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	deviceID, ok := h.resolveDevice(event.DeviceID)
	if !ok {
		h.logger.Warn("Dropping unattributable telemetry event",
			zap.String("session_id", h.sessionID),
			zap.String("raw_device_id", event.DeviceID))
		return
	}

	// Cached-snapshot replays from the transport predate the subscription;
	// they were already reflected in whatever the caller saw before open.
	if event.Timestamp.Before(h.openedAt) {
		h.logger.Debug("Dropping stale telemetry event",
			zap.String("device_id", deviceID),
			zap.Time("timestamp", event.Timestamp))
		return
	}

	if event.SessionTag != "" && event.SessionTag != h.sessionID {
		h.logger.Debug("Dropping cross-session telemetry event",
			zap.String("device_id", deviceID),
			zap.String("session_tag", event.SessionTag),
			zap.String("session_id", h.sessionID))
		return
	}

	switch event.Kind {
	case models.KindReady:
		h.admitReady(deviceID, event.Timestamp)
	case models.KindHit:
		if h.stopped != nil {
			if stopped := h.stopped(); stopped[deviceID] {
				h.logger.Info("Dropping post-goal hit from stopped device",
					zap.String("device_id", deviceID),
					zap.String("session_id", h.sessionID))
				return
			}
		}
		h.admitHit(deviceID, event.Timestamp)
	default:
		// Other kinds carry no session metrics.
		return
	}

	if h.onUpdate != nil {
		h.onUpdate(h.snapshotLocked())
	}
}

// resolveDevice maps an event identity to a tracked device. Hardware
// identifiers that embed the logical ID (or vice versa) match as a fallback.
func (h *ProcessorHandle) resolveDevice(raw string) (string, bool) {
	if _, ok := h.tracked[raw]; ok {
		return raw, true
	}
	lowered := strings.ToLower(raw)
	for id, d := range h.tracked {
		if strings.ToLower(id) == lowered {
			return id, true
		}
		if strings.HasSuffix(lowered, strings.ToLower(id)) || strings.HasSuffix(strings.ToLower(id), lowered) {
			return id, true
		}
		if strings.EqualFold(d.DisplayName, raw) {
			return id, true
		}
	}
	return "", false
}

// admitReady marks the device primed. Idempotent per device; only the first
// ready timestamp counts toward the session start offset.
func (h *ProcessorHandle) admitReady(deviceID string, ts time.Time) {
	if _, seen := h.ready[deviceID]; seen {
		return
	}
	h.ready[deviceID] = ts
	if h.earliestReady.IsZero() || ts.Before(h.earliestReady) {
		h.earliestReady = ts
	}
}

func (h *ProcessorHandle) admitHit(deviceID string, ts time.Time) {
	h.hitCounts[deviceID]++
	h.hitTimes[deviceID] = append(h.hitTimes[deviceID], ts)
	h.hits = append(h.hits, models.HitRecord{
		DeviceID:  deviceID,
		Timestamp: ts,
		SessionID: h.sessionID,
	})
	if ts.After(h.pollMarks[deviceID]) {
		h.pollMarks[deviceID] = ts
	}

	// Split: delta against the previous accepted hit on the same device.
	// Non-positive deltas (clock skew, duplicate timestamps) emit nothing,
	// but the previous-hit marker always advances.
	if prev, ok := h.prevHit[deviceID]; ok {
		if delta := ts.Sub(prev); delta > 0 {
			h.splitCount[deviceID]++
			h.splits = append(h.splits, models.SplitRecord{
				DeviceID:    deviceID,
				Elapsed:     delta,
				Timestamp:   ts,
				SplitNumber: h.splitCount[deviceID],
			})
		}
	}
	h.prevHit[deviceID] = ts

	if h.multiTarget {
		h.deriveRounds()
	} else {
		h.deriveTransition(deviceID, ts)
	}

	h.lastHitDev = deviceID
	h.lastHitTime = ts
}

// deriveTransition emits a transition whenever the hit device differs from
// the device of the immediately preceding accepted hit.
func (h *ProcessorHandle) deriveTransition(deviceID string, ts time.Time) {
	if h.lastHitDev == "" || h.lastHitDev == deviceID {
		return
	}
	h.transitions = append(h.transitions, models.TransitionRecord{
		FromDevice:       h.lastHitDev,
		ToDevice:         deviceID,
		Elapsed:          ts.Sub(h.lastHitTime),
		Timestamp:        ts,
		TransitionNumber: len(h.transitions) + 1,
	})
}

// deriveRounds advances round completion while the minimum hit count across
// all tracked devices exceeds the last completed round. A laggard device
// cannot retroactively invalidate already-emitted rounds; its excess hits
// simply count once it catches up.
func (h *ProcessorHandle) deriveRounds() {
	minHits := -1
	for id := range h.tracked {
		if minHits < 0 || h.hitCounts[id] < minHits {
			minHits = h.hitCounts[id]
		}
	}

	for round := h.lastRound + 1; round <= minHits; round++ {
		perDevice := make(map[string]time.Time, len(h.tracked))
		var completedAt, earliest time.Time
		var completingDev string
		for id := range h.tracked {
			ts := h.hitTimes[id][round-1]
			perDevice[id] = ts
			if completedAt.IsZero() || ts.After(completedAt) {
				completedAt = ts
				completingDev = id
			}
			if earliest.IsZero() || ts.Before(earliest) {
				earliest = ts
			}
		}

		var elapsed time.Duration
		if round > 1 {
			elapsed = completedAt.Sub(h.lastRoundAt)
		}

		h.rounds = append(h.rounds, models.RoundCompletion{
			RoundNumber:         round,
			PerDeviceTimestamps: perDevice,
			CompletedAt:         completedAt,
			RoundElapsed:        elapsed,
			MaxPairGap:          completedAt.Sub(earliest),
		})

		// Cross-round pacing: a synthetic transition spanning the round.
		if round > 1 && elapsed > 0 {
			h.transitions = append(h.transitions, models.TransitionRecord{
				FromDevice:       h.lastRoundDev,
				ToDevice:         completingDev,
				Elapsed:          elapsed,
				Timestamp:        completedAt,
				TransitionNumber: len(h.transitions) + 1,
			})
		}

		h.lastRound = round
		h.lastRoundAt = completedAt
		h.lastRoundDev = completingDev

		h.logger.Info("Round completed",
			zap.String("session_id", h.sessionID),
			zap.Int("round", round),
			zap.Duration("round_elapsed", elapsed),
			zap.Duration("max_pair_gap", completedAt.Sub(earliest)))
	}
}

// markDegraded flags the handle so the fallback poller starts funneling
// polled snapshots through admission. Accumulated state is untouched.
func (h *ProcessorHandle) markDegraded(err error) {
	h.mu.Lock()
	if h.closed || h.degraded {
		h.mu.Unlock()
		return
	}
	h.degraded = true
	h.mu.Unlock()

	h.logger.Warn("Push channel degraded, falling back to polling",
		zap.String("session_id", h.sessionID),
		zap.Error(err))
}

func (h *ProcessorHandle) runFallbackPoller(deviceIDs []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopPoll:
			return
		case <-ticker.C:
			h.mu.Lock()
			degraded := h.degraded && !h.closed
			h.mu.Unlock()
			if !degraded {
				continue
			}
			h.pollOnce(deviceIDs)
		}
	}
}

// pollOnce fetches the latest snapshot for the tracked set and funnels any
// hit newer than the per-device poll checkpoint through the same admission
// path push events take.
func (h *ProcessorHandle) pollOnce(deviceIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.DeviceQueryTimeout)
	defer cancel()

	readings, err := h.transport.FetchLatest(ctx, deviceIDs, []string{"hits", "status"})
	if err != nil {
		h.logger.Warn("Fallback poll failed",
			zap.String("session_id", h.sessionID),
			zap.Error(err))
		return
	}

	for deviceID, reading := range readings {
		if reading.LastHit.IsZero() {
			continue
		}
		h.mu.Lock()
		mark, tracked := h.pollMarks[deviceID]
		h.mu.Unlock()
		if !tracked || !reading.LastHit.After(mark) {
			continue
		}
		h.Ingest(models.TelemetryEvent{
			DeviceID:   deviceID,
			Kind:       models.KindHit,
			Timestamp:  reading.LastHit,
			SessionTag: reading.SessionTag,
		})
	}
}

// Snapshot returns a copy of the live metrics, safe to retain.
func (h *ProcessorHandle) Snapshot() models.LiveSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *ProcessorHandle) snapshotLocked() models.LiveSnapshot {
	snap := models.LiveSnapshot{
		HitCounts:        make(map[string]int, len(h.hitCounts)),
		HitHistory:       make([]models.HitRecord, len(h.hits)),
		Splits:           make([]models.SplitRecord, len(h.splits)),
		Transitions:      make([]models.TransitionRecord, len(h.transitions)),
		RoundCompletions: make([]models.RoundCompletion, len(h.rounds)),
		ReadyDevices:     make([]string, 0, len(h.ready)),
	}
	for id, n := range h.hitCounts {
		snap.HitCounts[id] = n
	}
	copy(snap.HitHistory, h.hits)
	copy(snap.Splits, h.splits)
	copy(snap.Transitions, h.transitions)
	copy(snap.RoundCompletions, h.rounds)
	for id := range h.ready {
		snap.ReadyDevices = append(snap.ReadyDevices, id)
	}
	sort.Strings(snap.ReadyDevices)
	if !h.earliestReady.IsZero() {
		snap.SessionStartOffset = h.earliestReady.Sub(h.openedAt)
	}
	return snap
}

// HitTimestamps returns the accepted hit timestamps for one device in
// arrival order.
func (h *ProcessorHandle) HitTimestamps(deviceID string) []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Time, len(h.hitTimes[deviceID]))
	copy(out, h.hitTimes[deviceID])
	return out
}

// Close tears down the subscription and the fallback poller. No callback
// fires after Close returns; in-flight events observe the closed flag.
func (h *ProcessorHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	unsubscribe := h.unsubscribe
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(h.stopPoll)

	h.logger.Info("Telemetry processor closed",
		zap.String("session_id", h.sessionID))
}

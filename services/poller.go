package services

import (
	"context"
	"sync"
	"time"

	"rangepulse/config"
	"rangepulse/models"

	"go.uber.org/zap"
)

// DeviceRegistry exposes the read-only device snapshot the engine consumes.
// The engine never writes through it.
type DeviceRegistry interface {
	DeviceSnapshot(ctx context.Context) (map[string]models.RegistryDevice, error)
}

// AdaptivePoller maintains a background activity tier for the whole visible
// device set and adjusts its own sampling interval accordingly. One goroutine
// owns the tier and the timer; pushes, visibility changes and force requests
// arrive over channels so mutations stay serialized.
type AdaptivePoller struct {
	transport Transport
	registry  DeviceRegistry
	config    *config.Config
	logger    *zap.Logger

	mu      sync.Mutex
	tier    models.PollingTier
	running bool

	pushCh  chan struct{}
	visCh   chan bool
	forceCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	updateCallback func()
	unsubscribe    Unsubscribe
}

func NewAdaptivePoller(transport Transport, registry DeviceRegistry, cfg *config.Config, logger *zap.Logger) *AdaptivePoller {
	return &AdaptivePoller{
		transport: transport,
		registry:  registry,
		config:    cfg,
		logger:    logger,
		tier:      models.TierStandby,
		pushCh:    make(chan struct{}, 1),
		visCh:     make(chan bool, 1),
		forceCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the tick loop and the push listener. updateCallback runs at
// the start of every poll cycle.
func (p *AdaptivePoller) Start(updateCallback func()) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.updateCallback = updateCallback
	p.mu.Unlock()

	// Any hit-looking push promotes the tier immediately, regardless of the
	// polling cycle's current phase.
	unsubscribe, err := p.transport.Subscribe(nil, func(event models.TelemetryEvent) {
		if event.Kind != models.KindHit {
			return
		}
		select {
		case p.pushCh <- struct{}{}:
		default:
		}
	}, SubscribeOptions{Realtime: true})
	if err != nil {
		p.logger.Warn("Adaptive poller running without push promotion", zap.Error(err))
	} else {
		p.unsubscribe = unsubscribe
	}

	go p.run()

	p.logger.Info("Adaptive poller started",
		zap.Duration("active_interval", p.config.ActiveInterval),
		zap.Duration("recent_interval", p.config.RecentInterval),
		zap.Duration("standby_interval", p.config.StandbyInterval))
	return nil
}

func (p *AdaptivePoller) run() {
	defer close(p.doneCh)

	visible := true
	timer := time.NewTimer(p.interval())
	defer timer.Stop()

	rearm := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-p.stopCh:
			return

		case <-p.pushCh:
			// Cancel the current timer and arm a new one at the active
			// interval. Bounds worst-case update latency even if polling
			// had drifted to standby.
			p.setTier(models.TierActive)
			if visible {
				rearm(p.config.ActiveInterval)
			}

		case v := <-p.visCh:
			if v == visible {
				continue
			}
			visible = v
			if !visible {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				p.logger.Debug("Adaptive poller suspended")
				continue
			}
			// Resume with an immediate cycle so the display is never stale.
			p.cycle()
			rearm(p.interval())

		case <-p.forceCh:
			p.cycle()
			if visible {
				rearm(p.interval())
			}

		case <-timer.C:
			if !visible {
				continue
			}
			p.cycle()
			rearm(p.interval())
		}
	}
}

// cycle runs one poll: callback, telemetry sample, tier reclassification.
func (p *AdaptivePoller) cycle() {
	if cb := p.callback(); cb != nil {
		cb()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.DeviceQueryTimeout)
	snapshot, err := p.registry.DeviceSnapshot(ctx)
	cancel()
	if err != nil {
		p.logger.Warn("Registry snapshot failed, keeping current tier", zap.Error(err))
		return
	}

	online := make([]string, 0, len(snapshot))
	for id, d := range snapshot {
		if d.Online {
			online = append(online, id)
		}
	}
	if len(online) == 0 {
		p.setTier(models.TierStandby)
		return
	}

	readings := p.fetchReadings(online)
	p.setTier(classifyTier(readings, time.Now(), p.config))
}

// fetchReadings tries one batched query first, then degrades to per-device
// queries with independent timeouts so a single stuck device cannot block
// classification of the rest.
func (p *AdaptivePoller) fetchReadings(deviceIDs []string) map[string]models.TelemetryReading {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DeviceQueryTimeout)
	readings, err := p.transport.FetchLatest(ctx, deviceIDs, []string{"hits", "status"})
	cancel()
	if err == nil {
		return readings
	}

	p.logger.Warn("Batch telemetry fetch failed, degrading to per-device queries",
		zap.Int("device_count", len(deviceIDs)),
		zap.Error(err))

	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[string]models.TelemetryReading, len(deviceIDs))

	for _, deviceID := range deviceIDs {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.config.DeviceQueryTimeout)
			defer cancel()
			single, err := p.transport.FetchLatest(ctx, []string{deviceID}, []string{"hits", "status"})
			if err != nil {
				// Empty telemetry for this cycle; the device stays tracked.
				p.logger.Warn("Per-device telemetry fetch failed",
					zap.String("device_id", deviceID),
					zap.Error(err))
				return
			}
			mu.Lock()
			for id, r := range single {
				out[id] = r
			}
			mu.Unlock()
		}(deviceID)
	}
	wg.Wait()
	return out
}

// classifyTier picks the most urgent tier implied by any single device's
// most-recent hit age.
func classifyTier(readings map[string]models.TelemetryReading, now time.Time, cfg *config.Config) models.PollingTier {
	tier := models.TierStandby
	for _, r := range readings {
		if r.LastHit.IsZero() {
			continue
		}
		age := now.Sub(r.LastHit)
		var implied models.PollingTier
		switch {
		case age <= cfg.ActiveThreshold:
			implied = models.TierActive
		case age <= cfg.StandbyThreshold:
			implied = models.TierRecent
		default:
			implied = models.TierStandby
		}
		if implied.MoreUrgent(tier) {
			tier = implied
		}
	}
	return tier
}

func (p *AdaptivePoller) interval() time.Duration {
	switch p.Tier() {
	case models.TierActive:
		return p.config.ActiveInterval
	case models.TierRecent:
		return p.config.RecentInterval
	default:
		return p.config.StandbyInterval
	}
}

func (p *AdaptivePoller) setTier(tier models.PollingTier) {
	p.mu.Lock()
	changed := p.tier != tier
	p.tier = tier
	p.mu.Unlock()
	if changed {
		p.logger.Info("Polling tier changed", zap.String("tier", string(tier)))
	}
}

func (p *AdaptivePoller) callback() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateCallback
}

// Tier returns the current polling tier.
func (p *AdaptivePoller) Tier() models.PollingTier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tier
}

// ForceUpdate requests an immediate poll cycle.
func (p *AdaptivePoller) ForceUpdate() {
	select {
	case p.forceCh <- struct{}{}:
	default:
	}
}

// SetVisible suspends or resumes the tick loop. While suspended no polls run;
// resuming triggers an immediate cycle.
func (p *AdaptivePoller) SetVisible(visible bool) {
	select {
	case p.visCh <- visible:
	case <-p.stopCh:
	}
}

// Stop tears down the push listener and the tick loop, waiting for the loop
// to exit.
func (p *AdaptivePoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	unsubscribe := p.unsubscribe
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(p.stopCh)
	<-p.doneCh

	p.logger.Info("Adaptive poller stopped")
}

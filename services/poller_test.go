package services

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"rangepulse/models"

	"go.uber.org/zap"
)

func TestClassifyTier(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	tests := []struct {
		name     string
		readings map[string]models.TelemetryReading
		want     models.PollingTier
	}{
		{
			name:     "no readings",
			readings: nil,
			want:     models.TierStandby,
		},
		{
			name: "no hits recorded",
			readings: map[string]models.TelemetryReading{
				"a": {DeviceID: "a"},
			},
			want: models.TierStandby,
		},
		{
			name: "one recent hit promotes the whole set",
			readings: map[string]models.TelemetryReading{
				"a": {DeviceID: "a", LastHit: now.Add(-time.Hour)},
				"b": {DeviceID: "b", LastHit: now.Add(-5 * time.Second)},
			},
			want: models.TierActive,
		},
		{
			name: "aging hit lands in recent",
			readings: map[string]models.TelemetryReading{
				"a": {DeviceID: "a", LastHit: now.Add(-2 * time.Minute)},
			},
			want: models.TierRecent,
		},
		{
			name: "all hits beyond standby threshold",
			readings: map[string]models.TelemetryReading{
				"a": {DeviceID: "a", LastHit: now.Add(-time.Hour)},
				"b": {DeviceID: "b", LastHit: now.Add(-2 * time.Hour)},
			},
			want: models.TierStandby,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyTier(tt.readings, now, cfg); got != tt.want {
				t.Errorf("classifyTier = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTierUrgencyOrdering(t *testing.T) {
	if !models.TierActive.MoreUrgent(models.TierRecent) {
		t.Error("active should beat recent")
	}
	if !models.TierRecent.MoreUrgent(models.TierStandby) {
		t.Error("recent should beat standby")
	}
	if models.TierStandby.MoreUrgent(models.TierStandby) {
		t.Error("a tier is not more urgent than itself")
	}
}

func startTestPoller(t *testing.T, ft *fakeTransport, registry *fakeRegistry, cb func()) *AdaptivePoller {
	t.Helper()
	p := NewAdaptivePoller(ft, registry, testConfig(), zap.NewNop())
	if err := p.Start(cb); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func TestPushPromotesTierImmediately(t *testing.T) {
	ft := newFakeTransport()
	registry := newFakeRegistry(onlineDevice("a", "A"))
	p := startTestPoller(t, ft, registry, func() {})

	if p.Tier() != models.TierStandby {
		t.Fatalf("initial tier = %s, want standby", p.Tier())
	}

	// The retained state agrees with the push, so subsequent cycles keep the
	// promoted tier instead of reclassifying it away.
	ft.setLatest(models.TelemetryReading{DeviceID: "a", LastHit: time.Now(), Online: true})
	ft.push(models.TelemetryEvent{DeviceID: "a", Kind: models.KindHit, Timestamp: time.Now()})

	if err := waitFor(time.Second, func() bool {
		return p.Tier() == models.TierActive
	}); err != nil {
		t.Fatalf("push did not promote tier: %v", err)
	}
}

func TestNonHitPushDoesNotPromote(t *testing.T) {
	ft := newFakeTransport()
	// No online devices keeps the cycle classification in standby.
	registry := newFakeRegistry()
	p := startTestPoller(t, ft, registry, func() {})

	ft.push(models.TelemetryEvent{DeviceID: "a", Kind: models.KindOther, Timestamp: time.Now()})

	time.Sleep(50 * time.Millisecond)
	if p.Tier() != models.TierStandby {
		t.Errorf("non-hit push promoted tier to %s", p.Tier())
	}
}

func TestUpdateCallbackRunsEachCycle(t *testing.T) {
	ft := newFakeTransport()
	registry := newFakeRegistry(onlineDevice("a", "A"))
	var cycles atomic.Int64
	startTestPoller(t, ft, registry, func() { cycles.Add(1) })

	if err := waitFor(time.Second, func() bool {
		return cycles.Load() >= 2
	}); err != nil {
		t.Fatalf("tick loop not cycling: %v", err)
	}
}

func TestForceUpdateTriggersCycle(t *testing.T) {
	ft := newFakeTransport()
	registry := newFakeRegistry(onlineDevice("a", "A"))
	var cycles atomic.Int64
	p := startTestPoller(t, ft, registry, func() { cycles.Add(1) })

	before := cycles.Load()
	p.ForceUpdate()
	if err := waitFor(time.Second, func() bool {
		return cycles.Load() > before
	}); err != nil {
		t.Fatalf("ForceUpdate did not trigger a cycle: %v", err)
	}
}

func TestVisibilitySuspensionStopsTicksAndResumesImmediately(t *testing.T) {
	ft := newFakeTransport()
	registry := newFakeRegistry(onlineDevice("a", "A"))
	var cycles atomic.Int64
	p := startTestPoller(t, ft, registry, func() { cycles.Add(1) })

	p.SetVisible(false)
	// Let any in-flight cycle finish, then confirm the timer is silent.
	time.Sleep(20 * time.Millisecond)
	suspended := cycles.Load()
	time.Sleep(100 * time.Millisecond)
	if got := cycles.Load(); got != suspended {
		t.Errorf("poller ticked while suspended: %d -> %d", suspended, got)
	}

	p.SetVisible(true)
	if err := waitFor(time.Second, func() bool {
		return cycles.Load() > suspended
	}); err != nil {
		t.Fatalf("resume did not trigger an immediate cycle: %v", err)
	}
}

func TestBatchFailureDegradesToPerDeviceQueries(t *testing.T) {
	ft := newFakeTransport()
	ft.batchErr = errors.New("gateway timeout")
	now := time.Now()
	ft.setLatest(models.TelemetryReading{DeviceID: "a", LastHit: now, Online: true})
	ft.setLatest(models.TelemetryReading{DeviceID: "b", LastHit: now.Add(-time.Hour), Online: true})
	ft.perDeviceErr["b"] = errors.New("device stuck")

	p := NewAdaptivePoller(ft, newFakeRegistry(), testConfig(), zap.NewNop())
	readings := p.fetchReadings([]string{"a", "b"})

	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1 (a succeeds, b fails independently)", len(readings))
	}
	if _, ok := readings["a"]; !ok {
		t.Error("reading for a missing")
	}
}

func TestStopTearsDownSubscription(t *testing.T) {
	ft := newFakeTransport()
	p := NewAdaptivePoller(ft, newFakeRegistry(), testConfig(), zap.NewNop())
	if err := p.Start(func() {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p.Stop()

	ft.mu.Lock()
	unsubs := ft.unsubscribes
	ft.mu.Unlock()
	if unsubs != 1 {
		t.Errorf("unsubscribe called %d times, want 1", unsubs)
	}

	// Stop is idempotent.
	p.Stop()
}

package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rangepulse/config"
	"rangepulse/models"
)

// fakeTransport scripts the transport collaborator. Subscribe captures the
// event callback so tests can push events synchronously; FetchLatest and
// SendCommand return whatever the test configured.
type fakeTransport struct {
	mu sync.Mutex

	onEvent      func(models.TelemetryEvent)
	onError      func(error)
	subscribeErr error
	unsubscribes int

	latest       map[string]models.TelemetryReading
	batchErr     error
	perDeviceErr map[string]error

	commandResults map[models.CommandKind][]models.CommandResult
	commandErr     error
	sentCommands   []models.CommandKind
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		latest:         make(map[string]models.TelemetryReading),
		perDeviceErr:   make(map[string]error),
		commandResults: make(map[models.CommandKind][]models.CommandResult),
	}
}

func (f *fakeTransport) Subscribe(deviceIDs []string, onEvent func(models.TelemetryEvent), opts SubscribeOptions) (Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.onEvent = onEvent
	f.onError = opts.OnError
	return func() {
		f.mu.Lock()
		f.unsubscribes++
		f.mu.Unlock()
	}, nil
}

// push delivers an event the way the broker would.
func (f *fakeTransport) push(event models.TelemetryEvent) {
	f.mu.Lock()
	onEvent := f.onEvent
	f.mu.Unlock()
	if onEvent != nil {
		onEvent(event)
	}
}

// degrade simulates a push-channel loss.
func (f *fakeTransport) degrade(err error) {
	f.mu.Lock()
	onError := f.onError
	f.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (f *fakeTransport) FetchLatest(ctx context.Context, deviceIDs []string, keys []string) (map[string]models.TelemetryReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(deviceIDs) == 1 {
		if err := f.perDeviceErr[deviceIDs[0]]; err != nil {
			return nil, err
		}
	} else if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make(map[string]models.TelemetryReading)
	for _, id := range deviceIDs {
		if r, ok := f.latest[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeTransport) setLatest(reading models.TelemetryReading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[reading.DeviceID] = reading
}

func (f *fakeTransport) FetchHistorical(ctx context.Context, deviceID string, keys []string, from, to time.Time, limit int) ([]models.TelemetryPoint, error) {
	return nil, nil
}

func (f *fakeTransport) SendCommand(ctx context.Context, kind models.CommandKind, deviceIDs []string, payload map[string]interface{}) ([]models.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentCommands = append(f.sentCommands, kind)
	if f.commandErr != nil {
		return nil, f.commandErr
	}
	if scripted, ok := f.commandResults[kind]; ok {
		results := make([]models.CommandResult, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			found := false
			for _, r := range scripted {
				if r.DeviceID == id {
					results = append(results, r)
					found = true
					break
				}
			}
			if !found {
				results = append(results, models.CommandResult{DeviceID: id, Success: false})
			}
		}
		return results, nil
	}
	// Default: everything acks.
	results := make([]models.CommandResult, len(deviceIDs))
	for i, id := range deviceIDs {
		results[i] = models.CommandResult{DeviceID: id, Success: true}
	}
	return results, nil
}

func (f *fakeTransport) sentKinds() []models.CommandKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CommandKind(nil), f.sentCommands...)
}

// fakeRegistry serves a fixed device snapshot.
type fakeRegistry struct {
	mu       sync.Mutex
	devices  map[string]models.RegistryDevice
	snapErr  error
	snapshot int
}

func newFakeRegistry(devices ...models.RegistryDevice) *fakeRegistry {
	m := make(map[string]models.RegistryDevice, len(devices))
	for _, d := range devices {
		m[d.DeviceID] = d
	}
	return &fakeRegistry{devices: m}
}

func (f *fakeRegistry) DeviceSnapshot(ctx context.Context) (map[string]models.RegistryDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	out := make(map[string]models.RegistryDevice, len(f.devices))
	for id, d := range f.devices {
		out[id] = d
	}
	return out, nil
}

// fakeStore captures saved history records.
type fakeStore struct {
	mu      sync.Mutex
	saved   []*models.SessionHistoryRecord
	saveErr error
}

func (f *fakeStore) SaveSessionHistory(ctx context.Context, record *models.SessionHistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeStore) FetchSessionHistory(ctx context.Context) ([]models.SessionHistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SessionHistoryRecord, 0, len(f.saved))
	for _, r := range f.saved {
		out = append(out, *r)
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		ActiveInterval:       10 * time.Millisecond,
		RecentInterval:       20 * time.Millisecond,
		StandbyInterval:      30 * time.Millisecond,
		ActiveThreshold:      30 * time.Second,
		StandbyThreshold:     5 * time.Minute,
		InfoPollInterval:     10 * time.Millisecond,
		FallbackPollInterval: 10 * time.Millisecond,
		DeviceQueryTimeout:   100 * time.Millisecond,
		CommandTimeout:       100 * time.Millisecond,
		HistoryFetchLimit:    500,
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("condition not met within %s", timeout)
}

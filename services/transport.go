package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"rangepulse/config"
	"rangepulse/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Unsubscribe tears down one subscription. Safe to call more than once.
type Unsubscribe func()

// SubscribeOptions tunes a telemetry subscription.
type SubscribeOptions struct {
	// Realtime requests push delivery; when false the caller intends to poll.
	Realtime bool
	// PollInterval is a hint for the transport's own refresh cadence.
	PollInterval time.Duration
	// OnError is invoked when the push channel degrades (connection loss,
	// broker errors). Never invoked after Unsubscribe returns.
	OnError func(error)
}

// Transport is the outbound device transport consumed by the engine: push
// subscription, latest/historical telemetry queries, and command dispatch.
type Transport interface {
	Subscribe(deviceIDs []string, onEvent func(models.TelemetryEvent), opts SubscribeOptions) (Unsubscribe, error)
	FetchLatest(ctx context.Context, deviceIDs []string, keys []string) (map[string]models.TelemetryReading, error)
	FetchHistorical(ctx context.Context, deviceID string, keys []string, from, to time.Time, limit int) ([]models.TelemetryPoint, error)
	SendCommand(ctx context.Context, kind models.CommandKind, deviceIDs []string, payload map[string]interface{}) ([]models.CommandResult, error)
}

// MQTTTransport implements Transport over an MQTT broker. Devices publish
// events to <prefix>/<id>/events, retain their latest state on
// <prefix>/<id>/state, and answer commands from <prefix>/<id>/cmd on
// <prefix>/<id>/ack.
type MQTTTransport struct {
	client mqtt.Client
	config *config.Config
	logger *zap.Logger

	mu         sync.Mutex
	onLost     map[int]func(error)
	nextLostID int
	isClosed   bool

	// stateMu serializes wildcard state queries. The client router keeps one
	// handler per topic filter, so overlapping subscribers to <prefix>/+/state
	// would replace each other's handler and tear down each other's
	// subscription on the deferred unsubscribe.
	stateMu sync.Mutex
}

// NewMQTTTransport connects to the broker with retry and auto-reconnect.
func NewMQTTTransport(cfg *config.Config, logger *zap.Logger) (*MQTTTransport, error) {
	t := &MQTTTransport{
		config: cfg,
		logger: logger,
		onLost: make(map[int]func(error)),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetUsername(cfg.MQTTUsername).
		SetPassword(cfg.MQTTPassword).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.notifyLost(err)
		})

	t.client = mqtt.NewClient(opts)

	maxRetries := 5
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		token := t.client.Connect()
		token.Wait()
		err = token.Error()
		if err == nil {
			break
		}

		logger.Warn("Failed to connect to MQTT broker",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker after %d attempts: %w", maxRetries, err)
	}

	logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTTBroker))
	return t, nil
}

func (t *MQTTTransport) notifyLost(err error) {
	t.mu.Lock()
	handlers := make([]func(error), 0, len(t.onLost))
	for _, h := range t.onLost {
		handlers = append(handlers, h)
	}
	closed := t.isClosed
	t.mu.Unlock()

	if closed {
		return
	}
	t.logger.Error("MQTT connection lost", zap.Error(err))
	for _, h := range handlers {
		h(err)
	}
}

// Subscribe registers for event payloads for the given device set. The
// returned Unsubscribe synchronously removes the broker subscriptions and the
// error handler.
func (t *MQTTTransport) Subscribe(deviceIDs []string, onEvent func(models.TelemetryEvent), opts SubscribeOptions) (Unsubscribe, error) {
	topics := make([]string, 0, len(deviceIDs))
	if len(deviceIDs) == 0 {
		topics = append(topics, t.config.MQTTEventTopic)
	} else {
		for _, id := range deviceIDs {
			topics = append(topics, fmt.Sprintf("%s/%s/events", t.config.MQTTTopicPrefix, id))
		}
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		event, err := ParseWireEvent(msg.Topic(), msg.Payload())
		if err != nil {
			t.logger.Warn("Dropping malformed telemetry payload",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
			return
		}
		onEvent(event)
	}

	for i, topic := range topics {
		token := t.client.Subscribe(topic, 1, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			// Roll back the partial subscription set.
			for _, done := range topics[:i] {
				t.client.Unsubscribe(done)
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	lostID := -1
	if opts.OnError != nil {
		t.mu.Lock()
		lostID = t.nextLostID
		t.nextLostID++
		t.onLost[lostID] = opts.OnError
		t.mu.Unlock()
	}

	t.logger.Info("Subscribed to telemetry events",
		zap.Int("topic_count", len(topics)),
		zap.Bool("realtime", opts.Realtime))

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			for _, topic := range topics {
				token := t.client.Unsubscribe(topic)
				token.Wait()
			}
			if lostID >= 0 {
				t.mu.Lock()
				delete(t.onLost, lostID)
				t.mu.Unlock()
			}
		})
	}
	return unsubscribe, nil
}

// FetchLatest collects each device's retained state payload. The broker
// replays retained messages immediately on subscribe, so one short-lived
// wildcard subscription covers the whole batch.
func (t *MQTTTransport) FetchLatest(ctx context.Context, deviceIDs []string, keys []string) (map[string]models.TelemetryReading, error) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	wanted := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		wanted[id] = true
	}

	var mu sync.Mutex
	readings := make(map[string]models.TelemetryReading)
	done := make(chan struct{})

	topic := fmt.Sprintf("%s/+/state", t.config.MQTTTopicPrefix)
	token := t.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		deviceID := deviceIDFromTopic(msg.Topic())
		if deviceID == "" || (len(wanted) > 0 && !wanted[deviceID]) {
			return
		}
		reading, err := parseStateReading(deviceID, msg.Payload())
		if err != nil {
			t.logger.Warn("Dropping malformed state payload",
				zap.String("device_id", deviceID),
				zap.Error(err))
			return
		}
		mu.Lock()
		readings[deviceID] = reading
		complete := len(wanted) > 0 && len(readings) >= len(wanted)
		mu.Unlock()
		if complete {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to subscribe for latest telemetry: %w", err)
	}
	defer func() {
		unsub := t.client.Unsubscribe(topic)
		unsub.Wait()
	}()

	// Retained messages arrive almost immediately; wait for the full set or
	// the caller's deadline, whichever comes first.
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(t.config.DeviceQueryTimeout):
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]models.TelemetryReading, len(readings))
	for id, r := range readings {
		out[id] = r
	}
	if len(out) == 0 && len(deviceIDs) > 0 {
		return out, fmt.Errorf("no state payloads received for %d devices", len(deviceIDs))
	}
	return out, nil
}

// FetchHistorical reads a device's stored event series from its history topic.
// Devices republish their ring buffer on request; the series envelope shape is
// normalized through models.ResolveSample.
func (t *MQTTTransport) FetchHistorical(ctx context.Context, deviceID string, keys []string, from, to time.Time, limit int) ([]models.TelemetryPoint, error) {
	topic := fmt.Sprintf("%s/%s/history", t.config.MQTTTopicPrefix, deviceID)
	request := map[string]interface{}{
		"keys":  keys,
		"from":  from.UnixMilli(),
		"to":    to.UnixMilli(),
		"limit": limit,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history request: %w", err)
	}

	respCh := make(chan []models.TelemetryPoint, 1)
	respTopic := topic + "/response"
	token := t.client.Subscribe(respTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var raw interface{}
		if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
			t.logger.Warn("Dropping malformed history payload",
				zap.String("device_id", deviceID),
				zap.Error(err))
			return
		}
		points := resolveSeries(raw)
		select {
		case respCh <- points:
		default:
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to subscribe for history: %w", err)
	}
	defer func() {
		unsub := t.client.Unsubscribe(respTopic)
		unsub.Wait()
	}()

	pub := t.client.Publish(topic+"/request", 1, false, body)
	pub.Wait()
	if err := pub.Error(); err != nil {
		return nil, fmt.Errorf("failed to publish history request: %w", err)
	}

	select {
	case points := <-respCh:
		return points, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.config.DeviceQueryTimeout):
		return nil, fmt.Errorf("history query timed out for device %s", deviceID)
	}
}

// SendCommand publishes a command to each device and collects per-device acks
// with independent timeouts. A device that never answers is reported as a
// failure, not an error — partial results are the normal case.
func (t *MQTTTransport) SendCommand(ctx context.Context, kind models.CommandKind, deviceIDs []string, payload map[string]interface{}) ([]models.CommandResult, error) {
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("no devices to command")
	}

	body := map[string]interface{}{"command": string(kind)}
	for k, v := range payload {
		body[k] = v
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", kind, err)
	}

	results := make([]models.CommandResult, len(deviceIDs))
	var wg sync.WaitGroup

	for i, deviceID := range deviceIDs {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			results[i] = t.commandOne(ctx, kind, deviceID, encoded)
		}(i, deviceID)
	}
	wg.Wait()

	return results, nil
}

func (t *MQTTTransport) commandOne(ctx context.Context, kind models.CommandKind, deviceID string, body []byte) models.CommandResult {
	result := models.CommandResult{DeviceID: deviceID}

	ackCh := make(chan models.CommandResult, 1)
	ackTopic := fmt.Sprintf("%s/%s/ack", t.config.MQTTTopicPrefix, deviceID)
	token := t.client.Subscribe(ackTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var ack struct {
			Command string `json:"command"`
			Success bool   `json:"success"`
			Warning string `json:"warning"`
		}
		if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
			return
		}
		if ack.Command != "" && ack.Command != string(kind) {
			return
		}
		select {
		case ackCh <- models.CommandResult{DeviceID: deviceID, Success: ack.Success, Warning: ack.Warning}:
		default:
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		t.logger.Error("Failed to subscribe for command ack",
			zap.String("device_id", deviceID),
			zap.String("command", string(kind)),
			zap.Error(err))
		return result
	}
	defer func() {
		unsub := t.client.Unsubscribe(ackTopic)
		unsub.Wait()
	}()

	cmdTopic := fmt.Sprintf("%s/%s/cmd", t.config.MQTTTopicPrefix, deviceID)
	pub := t.client.Publish(cmdTopic, 1, false, body)
	pub.Wait()
	if err := pub.Error(); err != nil {
		t.logger.Error("Failed to publish command",
			zap.String("device_id", deviceID),
			zap.String("command", string(kind)),
			zap.Error(err))
		return result
	}

	select {
	case ack := <-ackCh:
		return ack
	case <-ctx.Done():
		return result
	case <-time.After(t.config.CommandTimeout):
		t.logger.Warn("Command ack timed out",
			zap.String("device_id", deviceID),
			zap.String("command", string(kind)),
			zap.Duration("timeout", t.config.CommandTimeout))
		return result
	}
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() {
	t.mu.Lock()
	t.isClosed = true
	t.mu.Unlock()
	t.client.Disconnect(250)
	t.logger.Info("MQTT transport closed")
}

// ParseWireEvent turns a raw event payload into a TelemetryEvent. The device
// identity comes from an explicit device_id field when present, else from the
// publishing topic. The timestamp is carried inline (epoch millis or RFC3339)
// or inside a series envelope; both route through one resolution path.
func ParseWireEvent(topic string, payload []byte) (models.TelemetryEvent, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.TelemetryEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	kindStr, _ := raw["event"].(string)
	event := models.TelemetryEvent{
		Kind: models.ParseEventKind(kindStr),
	}

	if id, ok := raw["device_id"].(string); ok && id != "" {
		event.DeviceID = id
	} else {
		event.DeviceID = deviceIDFromTopic(topic)
	}
	if event.DeviceID == "" {
		return models.TelemetryEvent{}, fmt.Errorf("event has no resolvable device identity")
	}

	if tag, ok := raw["game_id"].(string); ok {
		event.SessionTag = tag
	} else if tag, ok := raw["session_tag"].(string); ok {
		event.SessionTag = tag
	}

	event.Timestamp = resolveEventTimestamp(raw)
	if event.Timestamp.IsZero() {
		return models.TelemetryEvent{}, fmt.Errorf("event has no resolvable timestamp")
	}

	return event, nil
}

func resolveEventTimestamp(raw map[string]interface{}) time.Time {
	switch ts := raw["timestamp"].(type) {
	case float64:
		return time.UnixMilli(int64(ts))
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed
		}
		return time.Time{}
	}
	// Series envelope fallback: [[timestamp, value], ...]
	if series, ok := raw["series"]; ok {
		if _, ts, ok := models.ResolveSample(series); ok {
			return ts
		}
	}
	return time.Time{}
}

func parseStateReading(deviceID string, payload []byte) (models.TelemetryReading, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.TelemetryReading{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	stateStr, _ := raw["state"].(string)
	reading := models.TelemetryReading{
		DeviceID: deviceID,
		State:    models.ParseLifecycleState(stateStr),
		Updated:  time.Now(),
	}

	if online, ok := raw["online"].(bool); ok {
		reading.Online = online
	}
	if tag, ok := raw["game_id"].(string); ok {
		reading.SessionTag = tag
	}
	if wifi, _, ok := models.ResolveSample(raw["wifi_strength"]); ok {
		reading.WifiStrength = int(wifi)
	}
	if light, _, ok := models.ResolveSample(raw["ambient_light"]); ok {
		reading.AmbientLight = light
	}
	if _, ts, ok := models.ResolveSample(raw["last_hit"]); ok && !ts.IsZero() {
		reading.LastHit = ts
	} else if hitMs, ok := toMillis(raw["last_hit"]); ok {
		reading.LastHit = hitMs
	}

	return reading, nil
}

func toMillis(raw interface{}) (time.Time, bool) {
	if ms, ok := raw.(float64); ok && ms > 0 {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}

func resolveSeries(raw interface{}) []models.TelemetryPoint {
	tuples, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	points := make([]models.TelemetryPoint, 0, len(tuples))
	for _, tuple := range tuples {
		if value, ts, ok := models.ResolveSample([]interface{}{tuple}); ok {
			points = append(points, models.TelemetryPoint{Timestamp: ts, Value: value})
		}
	}
	return points
}

func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

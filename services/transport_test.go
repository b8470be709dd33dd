package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"rangepulse/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

func TestParseWireEventExplicitIdentity(t *testing.T) {
	payload := []byte(`{"event":"hit","device_id":"alpha","game_id":"S1","timestamp":1700000000000}`)
	event, err := ParseWireEvent("targets/other/events", payload)
	if err != nil {
		t.Fatalf("ParseWireEvent failed: %v", err)
	}
	if event.DeviceID != "alpha" {
		t.Errorf("device = %s, explicit device_id should win over topic", event.DeviceID)
	}
	if event.Kind != models.KindHit {
		t.Errorf("kind = %s, want hit", event.Kind)
	}
	if event.SessionTag != "S1" {
		t.Errorf("session tag = %s, want S1", event.SessionTag)
	}
	if !event.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp = %s", event.Timestamp)
	}
}

func TestParseWireEventIdentityFromTopic(t *testing.T) {
	payload := []byte(`{"event":"ready","timestamp":1700000000000}`)
	event, err := ParseWireEvent("targets/bravo/events", payload)
	if err != nil {
		t.Fatalf("ParseWireEvent failed: %v", err)
	}
	if event.DeviceID != "bravo" {
		t.Errorf("device = %s, want identity derived from topic", event.DeviceID)
	}
	if event.Kind != models.KindReady {
		t.Errorf("kind = %s, want ready", event.Kind)
	}
}

func TestParseWireEventRFC3339Timestamp(t *testing.T) {
	payload := []byte(`{"event":"hit","timestamp":"2024-03-01T10:00:00Z"}`)
	event, err := ParseWireEvent("targets/alpha/events", payload)
	if err != nil {
		t.Fatalf("ParseWireEvent failed: %v", err)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !event.Timestamp.Equal(want) {
		t.Errorf("timestamp = %s, want %s", event.Timestamp, want)
	}
}

func TestParseWireEventSeriesEnvelopeTimestamp(t *testing.T) {
	payload := []byte(`{"event":"hit","series":[[1700000000000,1],[1700000001000,1]]}`)
	event, err := ParseWireEvent("targets/alpha/events", payload)
	if err != nil {
		t.Fatalf("ParseWireEvent failed: %v", err)
	}
	if !event.Timestamp.Equal(time.UnixMilli(1700000001000)) {
		t.Errorf("timestamp = %s, want the envelope's latest sample", event.Timestamp)
	}
}

func TestParseWireEventUnknownKindPreserved(t *testing.T) {
	payload := []byte(`{"event":"sparkle","timestamp":1700000000000}`)
	event, err := ParseWireEvent("targets/alpha/events", payload)
	if err != nil {
		t.Fatalf("ParseWireEvent failed: %v", err)
	}
	if event.Kind != models.KindUnknown {
		t.Errorf("kind = %s, unknown wire values must map to the explicit unknown variant", event.Kind)
	}
}

func TestParseWireEventRejectsGarbage(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		payload string
	}{
		{"not json", "targets/alpha/events", `hit!`},
		{"no identity", "noslash", `{"event":"hit","timestamp":1700000000000}`},
		{"no timestamp", "targets/alpha/events", `{"event":"hit"}`},
		{"bad timestamp string", "targets/alpha/events", `{"event":"hit","timestamp":"yesterday"}`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseWireEvent(tt.topic, []byte(tt.payload)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	if got := deviceIDFromTopic("targets/alpha/events"); got != "alpha" {
		t.Errorf("got %q", got)
	}
	if got := deviceIDFromTopic("nodevice"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

type stubToken struct{}

func (stubToken) Wait() bool                     { return true }
func (stubToken) WaitTimeout(time.Duration) bool { return true }
func (stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (stubToken) Error() error { return nil }

type stubMessage struct {
	topic   string
	payload []byte
}

func (m stubMessage) Duplicate() bool   { return false }
func (m stubMessage) Qos() byte         { return 1 }
func (m stubMessage) Retained() bool    { return true }
func (m stubMessage) Topic() string     { return m.topic }
func (m stubMessage) MessageID() uint16 { return 0 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (m stubMessage) Ack()              {}

// fakeBrokerClient mimics the client-side router: one handler per topic
// filter, retained payloads replayed shortly after subscribe, and scripted
// responses on request topics.
type fakeBrokerClient struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	retained map[string][]byte // topic -> retained payload
	respond  map[string][]byte // request topic -> payload on its sibling response topic
}

func newFakeBrokerClient() *fakeBrokerClient {
	return &fakeBrokerClient{
		handlers: make(map[string]mqtt.MessageHandler),
		retained: make(map[string][]byte),
		respond:  make(map[string][]byte),
	}
}

func (c *fakeBrokerClient) IsConnected() bool      { return true }
func (c *fakeBrokerClient) IsConnectionOpen() bool { return true }
func (c *fakeBrokerClient) Connect() mqtt.Token    { return stubToken{} }
func (c *fakeBrokerClient) Disconnect(uint)        {}

func (c *fakeBrokerClient) Subscribe(filter string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[filter] = callback
	c.mu.Unlock()

	// Retained replay arrives asynchronously, like a broker round trip. The
	// handler is looked up at delivery time, matching router behavior when a
	// later subscriber has replaced it.
	go func() {
		time.Sleep(2 * time.Millisecond)
		c.mu.Lock()
		handler := c.handlers[filter]
		var topics [][2]interface{}
		for topic, payload := range c.retained {
			if topicMatchesFilter(filter, topic) {
				topics = append(topics, [2]interface{}{topic, payload})
			}
		}
		c.mu.Unlock()
		if handler == nil {
			return
		}
		for _, tp := range topics {
			handler(c, stubMessage{topic: tp[0].(string), payload: tp[1].([]byte)})
		}
	}()
	return stubToken{}
}

func (c *fakeBrokerClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return stubToken{}
}

func (c *fakeBrokerClient) Unsubscribe(filters ...string) mqtt.Token {
	c.mu.Lock()
	for _, f := range filters {
		delete(c.handlers, f)
	}
	c.mu.Unlock()
	return stubToken{}
}

func (c *fakeBrokerClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	response, scripted := c.respond[topic]
	c.mu.Unlock()
	if scripted {
		respTopic := strings.TrimSuffix(topic, "/request") + "/response"
		go func() {
			time.Sleep(2 * time.Millisecond)
			c.mu.Lock()
			handler := c.handlers[respTopic]
			c.mu.Unlock()
			if handler != nil {
				handler(c, stubMessage{topic: respTopic, payload: response})
			}
		}()
	}
	return stubToken{}
}

func (c *fakeBrokerClient) AddRoute(string, mqtt.MessageHandler)     {}
func (c *fakeBrokerClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func topicMatchesFilter(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

func newStubbedTransport(client *fakeBrokerClient) *MQTTTransport {
	cfg := testConfig()
	cfg.MQTTTopicPrefix = "targets"
	cfg.MQTTEventTopic = "targets/+/events"
	return &MQTTTransport{
		client: client,
		config: cfg,
		logger: zap.NewNop(),
		onLost: make(map[int]func(error)),
	}
}

func TestFetchLatestConcurrentCallsDoNotCollide(t *testing.T) {
	client := newFakeBrokerClient()
	client.retained["targets/a/state"] = []byte(`{"state":"idle","online":true}`)
	client.retained["targets/b/state"] = []byte(`{"state":"idle","online":true}`)
	tr := newStubbedTransport(client)

	// Overlapping callers share one wildcard filter; each must still collect
	// the full set instead of stealing the other's subscription.
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			readings, err := tr.FetchLatest(ctx, []string{"a", "b"}, nil)
			if err == nil && len(readings) != 2 {
				err = fmt.Errorf("got %d readings, want 2", len(readings))
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
}

func TestFetchHistoricalNormalizesSeriesEnvelope(t *testing.T) {
	client := newFakeBrokerClient()
	client.respond["targets/a/history/request"] = []byte(`[[1000,1.5],[2000,3.5]]`)
	tr := newStubbedTransport(client)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	points, err := tr.FetchHistorical(ctx, "a", []string{"hits"}, time.UnixMilli(0), time.UnixMilli(5000), 10)
	if err != nil {
		t.Fatalf("FetchHistorical failed: %v", err)
	}

	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if !points[0].Timestamp.Equal(time.UnixMilli(1000)) || points[0].Value != 1.5 {
		t.Errorf("point[0] = %+v", points[0])
	}
	if !points[1].Timestamp.Equal(time.UnixMilli(2000)) || points[1].Value != 3.5 {
		t.Errorf("point[1] = %+v", points[1])
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	deviceCount = flag.Int("devices", 2, "Number of mock target devices")
	devicePrefx = flag.String("prefix", "TARGET-MOCK", "Device ID prefix")
	hitRate     = flag.Float64("rate", 0.5, "Average hits per second per device")
	sessionTag  = flag.String("game", "", "Session tag to stamp on events (empty = none)")
	mqttBroker  = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser    = flag.String("user", "rangepulse", "MQTT username")
	mqttPass    = flag.String("pass", "rangepulse2024", "MQTT password")
	topicPrefix = flag.String("topic-prefix", "targets", "Topic prefix for device topics")
)

// MockTarget simulates one networked shooting target: it announces ready,
// retains a state payload, answers commands on its ack topic, and publishes
// randomized hit events while started.
type MockTarget struct {
	deviceID string
	client   mqtt.Client
	logger   *zap.Logger
	started  bool
	gameID   string
	hitCount int
}

func NewMockTarget(deviceID string, client mqtt.Client, logger *zap.Logger) *MockTarget {
	return &MockTarget{
		deviceID: deviceID,
		client:   client,
		logger:   logger,
	}
}

func (m *MockTarget) topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", *topicPrefix, m.deviceID, kind)
}

// ListenCommands answers configure/start/stop/info with success acks the way
// target firmware does.
func (m *MockTarget) ListenCommands() error {
	token := m.client.Subscribe(m.topic("cmd"), 1, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd struct {
			Command   string `json:"command"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			m.logger.Warn("Bad command payload", zap.Error(err))
			return
		}

		switch cmd.Command {
		case "configure":
			m.gameID = cmd.SessionID
		case "start":
			m.started = true
			m.hitCount = 0
			m.publishEvent("ready")
		case "stop":
			m.started = false
		}

		ack, _ := json.Marshal(map[string]interface{}{
			"command": cmd.Command,
			"success": true,
		})
		m.client.Publish(m.topic("ack"), 1, false, ack)
		m.publishState()

		m.logger.Info("Command acknowledged",
			zap.String("device_id", m.deviceID),
			zap.String("command", cmd.Command))
	})
	token.Wait()
	return token.Error()
}

func (m *MockTarget) publishEvent(kind string) {
	payload := map[string]interface{}{
		"event":     kind,
		"device_id": m.deviceID,
		"timestamp": time.Now().UnixMilli(),
	}
	tag := m.gameID
	if *sessionTag != "" {
		tag = *sessionTag
	}
	if tag != "" {
		payload["game_id"] = tag
	}
	body, _ := json.Marshal(payload)
	m.client.Publish(m.topic("events"), 1, false, body)
}

func (m *MockTarget) publishState() {
	state := "idle"
	if m.started {
		state = "active"
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"state":         state,
		"online":        true,
		"game_id":       m.gameID,
		"wifi_strength": -40 - rand.Intn(40),
		"ambient_light": 200.0 + rand.Float64()*400,
		"last_hit":      lastHitMillis(m.hitCount),
	})
	m.client.Publish(m.topic("state"), 1, true, payload)
}

func lastHitMillis(hitCount int) int64 {
	if hitCount == 0 {
		return 0
	}
	return time.Now().UnixMilli()
}

// Tick fires a hit with probability proportional to the configured rate.
func (m *MockTarget) Tick(interval time.Duration) {
	if !m.started {
		return
	}
	if rand.Float64() > *hitRate*interval.Seconds() {
		return
	}
	m.hitCount++
	m.publishEvent("hit")
	m.publishState()
	m.logger.Debug("Hit published",
		zap.String("device_id", m.deviceID),
		zap.Int("hit_count", m.hitCount))
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Mock target generator started",
		zap.Int("devices", *deviceCount),
		zap.Float64("hit_rate", *hitRate),
		zap.String("mqtt_broker", *mqttBroker))
	logger.Info("Press Ctrl+C to stop gracefully")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-generator", *devicePrefx))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer mqttClient.Disconnect(250)

	targets := make([]*MockTarget, *deviceCount)
	for i := range targets {
		deviceID := fmt.Sprintf("%s-%03d", *devicePrefx, i+1)
		targets[i] = NewMockTarget(deviceID, mqttClient, logger)
		if err := targets[i].ListenCommands(); err != nil {
			logger.Fatal("Failed to subscribe for commands",
				zap.String("device_id", deviceID),
				zap.Error(err))
		}
		targets[i].publishState()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping generator")
		cancel()
	}()

	interval := 100 * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Mock target generator stopped")
			return
		case <-ticker.C:
			for _, t := range targets {
				t.Tick(interval)
			}
		}
	}
}

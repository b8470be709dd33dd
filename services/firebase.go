package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rangepulse/config"
	"rangepulse/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FirebaseStore is the persistence and registry collaborator: device registry
// snapshots, finalized session history, and stored telemetry series all live
// in the realtime database.
type FirebaseStore struct {
	client *db.Client
	config *config.Config
	logger *zap.Logger
}

func NewFirebaseStore(cfg *config.Config, logger *zap.Logger) (*FirebaseStore, error) {
	ctx := context.Background()

	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDbUrl,
	}
	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	if err := fs.testConnection(); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection tests Firebase connection with retry logic
func (fs *FirebaseStore) testConnection() error {
	ctx := context.Background()
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries))

		ref := fs.client.NewRef("/")
		var data interface{}
		err := ref.Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

// DeviceSnapshot reads the registry's device list. Status strings are mapped
// through the closed lifecycle enumeration; unrecognized values surface as
// StateUnknown rather than falling through.
func (fs *FirebaseStore) DeviceSnapshot(ctx context.Context) (map[string]models.RegistryDevice, error) {
	ref := fs.client.NewRef("devices")

	var data map[string]map[string]interface{}
	if err := ref.Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("error getting device registry: %w", err)
	}

	snapshot := make(map[string]models.RegistryDevice, len(data))
	for deviceID, raw := range data {
		device := models.RegistryDevice{
			DeviceID: deviceID,
			State:    models.StateUnknown,
		}
		if name, ok := raw["display_name"].(string); ok {
			device.DisplayName = name
		}
		if state, ok := raw["state"].(string); ok {
			device.State = models.ParseLifecycleState(state)
		}
		if online, ok := raw["online"].(bool); ok {
			device.Online = online
		}
		if wifi, _, ok := models.ResolveSample(raw["wifi_strength"]); ok {
			device.WifiStrength = int(wifi)
		}
		if light, _, ok := models.ResolveSample(raw["ambient_light"]); ok {
			device.AmbientLight = light
		}
		if seenMs, ok := raw["last_seen"].(float64); ok {
			device.LastSeen = time.UnixMilli(int64(seenMs))
		}
		snapshot[deviceID] = device
	}

	return snapshot, nil
}

// SaveSessionHistory stores the finalized record under session-history.
func (fs *FirebaseStore) SaveSessionHistory(ctx context.Context, record *models.SessionHistoryRecord) error {
	ref := fs.client.NewRef("session-history/" + record.SessionID)
	if err := ref.Set(ctx, record); err != nil {
		return fmt.Errorf("error saving session history: %w", err)
	}

	fs.logger.Info("Session history saved",
		zap.String("session_id", record.SessionID),
		zap.Int("total_hits", record.TotalHits))
	return nil
}

// FetchSessionHistory returns all stored history records, newest first.
func (fs *FirebaseStore) FetchSessionHistory(ctx context.Context) ([]models.SessionHistoryRecord, error) {
	ref := fs.client.NewRef("session-history")

	var data map[string]models.SessionHistoryRecord
	if err := ref.Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("error getting session history: %w", err)
	}

	records := make([]models.SessionHistoryRecord, 0, len(data))
	for _, record := range data {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].EndTime.After(records[j].EndTime)
	})

	return records, nil
}

// FetchStoredTelemetry queries a device's stored telemetry series by time
// window, via the indexed timestamp child.
func (fs *FirebaseStore) FetchStoredTelemetry(ctx context.Context, deviceID string, from, to time.Time) ([]models.TelemetryPoint, error) {
	ref := fs.client.NewRef("telemetry/" + deviceID)

	query := ref.OrderByChild("timestamp").
		StartAt(from.UnixMilli()).
		EndAt(to.UnixMilli()).
		LimitToLast(fs.config.HistoryFetchLimit)

	var data map[string]map[string]interface{}
	if err := query.Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("error getting stored telemetry: %w", err)
	}

	points := make([]models.TelemetryPoint, 0, len(data))
	for key, raw := range data {
		tsMs, tsOk := raw["timestamp"].(float64)
		value, _, valOk := models.ResolveSample(raw["value"])
		if !tsOk || !valOk {
			fs.logger.Warn("Invalid stored telemetry sample",
				zap.String("device_id", deviceID),
				zap.String("record_id", key))
			continue
		}
		points = append(points, models.TelemetryPoint{
			Timestamp: time.UnixMilli(int64(tsMs)),
			Value:     value,
		})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})

	return points, nil
}

// Close closes the Firebase connection
func (fs *FirebaseStore) Close() error {
	fs.logger.Info("Closing Firebase store")
	// Firebase client doesn't require explicit closing but we log it
	return nil
}

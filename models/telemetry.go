package models

import (
	"time"
)

// EventKind classifies a single telemetry observation from a target device.
type EventKind string

const (
	KindReady   EventKind = "ready"
	KindHit     EventKind = "hit"
	KindOther   EventKind = "other"
	KindUnknown EventKind = "unknown"
)

// ParseEventKind maps a wire-level event string to a closed kind. Anything
// unrecognized becomes KindUnknown instead of falling through.
func ParseEventKind(s string) EventKind {
	switch s {
	case "ready":
		return KindReady
	case "hit":
		return KindHit
	case "battery", "info", "other":
		return KindOther
	case "":
		return KindUnknown
	default:
		return KindUnknown
	}
}

// TrackedDevice identifies one device in a session's device set. Immutable
// for the life of the session.
type TrackedDevice struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
}

// TelemetryEvent is a single observation, from push or poll.
type TelemetryEvent struct {
	DeviceID   string    `json:"device_id"`
	Kind       EventKind `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	SessionTag string    `json:"game_id,omitempty"`
}

// HitRecord is one accepted hit. Ordering is by Timestamp, not arrival order.
type HitRecord struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// SplitRecord is the time between two consecutive accepted hits on the same
// device. Only emitted when the delta is positive.
type SplitRecord struct {
	DeviceID    string        `json:"device_id"`
	Elapsed     time.Duration `json:"elapsed"`
	Timestamp   time.Time     `json:"timestamp"`
	SplitNumber int           `json:"split_number"`
}

// TransitionRecord is the time between accepted hits on two different devices
// in a single-target sequential session, or a synthetic cross-round span in
// multi-target sessions.
type TransitionRecord struct {
	FromDevice       string        `json:"from_device"`
	ToDevice         string        `json:"to_device"`
	Elapsed          time.Duration `json:"elapsed"`
	Timestamp        time.Time     `json:"timestamp"`
	TransitionNumber int           `json:"transition_number"`
}

// RoundCompletion marks the moment every tracked device reached at least N
// accepted hits, N being the new minimum across the set.
type RoundCompletion struct {
	RoundNumber         int                  `json:"round_number"`
	PerDeviceTimestamps map[string]time.Time `json:"per_device_timestamps"`
	CompletedAt         time.Time            `json:"completed_at"`
	RoundElapsed        time.Duration        `json:"round_elapsed"`
	MaxPairGap          time.Duration        `json:"max_pair_gap"`
}

// LiveSnapshot is the processor's produced surface, rebuilt on every accepted
// event. All fields are copies safe to retain.
type LiveSnapshot struct {
	HitCounts          map[string]int     `json:"hit_counts"`
	HitHistory         []HitRecord        `json:"hit_history"`
	Splits             []SplitRecord      `json:"splits"`
	Transitions        []TransitionRecord `json:"transitions"`
	RoundCompletions   []RoundCompletion  `json:"round_completions"`
	ReadyDevices       []string           `json:"ready_devices"`
	SessionStartOffset time.Duration      `json:"session_start_offset"`
}

// TelemetryReading is one device's latest polled telemetry snapshot.
type TelemetryReading struct {
	DeviceID     string         `json:"device_id"`
	State        LifecycleState `json:"state"`
	WifiStrength int            `json:"wifi_strength"`
	AmbientLight float64        `json:"ambient_light"`
	LastHit      time.Time      `json:"last_hit"`
	SessionTag   string         `json:"game_id,omitempty"`
	Online       bool           `json:"online"`
	Updated      time.Time      `json:"updated"`
}

// TelemetryPoint is one sample in a historical telemetry series.
type TelemetryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ResolveSample normalizes the three wire shapes a telemetry value arrives in:
// a time-series envelope [[timestamp, value], ...], an object with value and
// timestamp fields, or a bare scalar. The cases are exhaustive; anything else
// reports ok=false. Timestamps on the wire are epoch milliseconds.
func ResolveSample(raw interface{}) (value float64, ts time.Time, ok bool) {
	switch v := raw.(type) {
	case []interface{}:
		// Series envelope: take the most recent tuple.
		if len(v) == 0 {
			return 0, time.Time{}, false
		}
		tuple, isTuple := v[len(v)-1].([]interface{})
		if !isTuple || len(tuple) < 2 {
			return 0, time.Time{}, false
		}
		tsMs, tsOk := toFloat(tuple[0])
		val, valOk := toFloat(tuple[1])
		if !tsOk || !valOk {
			return 0, time.Time{}, false
		}
		return val, time.UnixMilli(int64(tsMs)), true
	case map[string]interface{}:
		val, valOk := toFloat(v["value"])
		if !valOk {
			return 0, time.Time{}, false
		}
		if tsMs, tsOk := toFloat(v["timestamp"]); tsOk {
			return val, time.UnixMilli(int64(tsMs)), true
		}
		return val, time.Time{}, true
	case float64:
		return v, time.Time{}, true
	case int:
		return float64(v), time.Time{}, true
	case int64:
		return float64(v), time.Time{}, true
	default:
		return 0, time.Time{}, false
	}
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

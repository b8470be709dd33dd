package models

import (
	"time"
)

// LifecycleState is the closed device/session lifecycle enumeration. Wire
// status strings are mapped through ParseLifecycleState at the transport
// boundary; unknown values never silently fall through.
type LifecycleState string

const (
	StateIdle        LifecycleState = "idle"
	StateConfiguring LifecycleState = "configuring"
	StateActive      LifecycleState = "active"
	StateStopped     LifecycleState = "stopped"
	StateCompleted   LifecycleState = "completed"
	StateUnknown     LifecycleState = "unknown"
)

func ParseLifecycleState(s string) LifecycleState {
	switch s {
	case "idle":
		return StateIdle
	case "configuring", "configured":
		return StateConfiguring
	case "active", "running", "started":
		return StateActive
	case "stopped":
		return StateStopped
	case "completed", "done":
		return StateCompleted
	default:
		return StateUnknown
	}
}

// DeviceSessionStatus is the authoritative per-device state a session tracks,
// exposed to history synthesis.
type DeviceSessionStatus struct {
	DeviceID      string         `json:"device_id"`
	DisplayName   string         `json:"display_name"`
	State         LifecycleState `json:"state"`
	WifiStrength  int            `json:"wifi_strength"`
	AmbientLight  float64        `json:"ambient_light"`
	HitCount      int            `json:"hit_count"`
	LastSeen      time.Time      `json:"last_seen"`
	Online        bool           `json:"online"`
	HitTimestamps []time.Time    `json:"hit_timestamps"`
}

// GameSession is the live session object. Created at configure time, mutated
// only by the session manager, terminal after stop/timeout.
type GameSession struct {
	SessionID     string                 `json:"session_id"`
	Name          string                 `json:"name"`
	DurationLimit time.Duration          `json:"duration_limit"`
	Devices       []*DeviceSessionStatus `json:"devices"`
	StartTime     time.Time              `json:"start_time"`
	EndTime       time.Time              `json:"end_time,omitempty"`
	State         LifecycleState         `json:"state"`
}

// Device returns the session's status record for a device, or nil.
func (g *GameSession) Device(deviceID string) *DeviceSessionStatus {
	for _, d := range g.Devices {
		if d.DeviceID == deviceID {
			return d
		}
	}
	return nil
}

// RegistryDevice is the read-only registry snapshot entry consumed by the
// engine. Updates happen only through the registry's own refresh path.
type RegistryDevice struct {
	DeviceID     string         `json:"device_id"`
	DisplayName  string         `json:"display_name"`
	State        LifecycleState `json:"state"`
	WifiStrength int            `json:"wifi_strength"`
	AmbientLight float64        `json:"ambient_light"`
	LastSeen     time.Time      `json:"last_seen"`
	Online       bool           `json:"online"`
}

// CommandKind names a device command.
type CommandKind string

const (
	CommandConfigure CommandKind = "configure"
	CommandStart     CommandKind = "start"
	CommandStop      CommandKind = "stop"
	CommandInfo      CommandKind = "info"
)

// CommandResult is one device's response to a dispatched command.
type CommandResult struct {
	DeviceID string `json:"device_id"`
	Success  bool   `json:"success"`
	Warning  string `json:"warning,omitempty"`
}

// CommandOutcome partitions a dispatch across a device set. A non-empty
// Failed set is not fatal for the session; callers decide what to do with it.
type CommandOutcome struct {
	Success  []string `json:"success"`
	Failed   []string `json:"failed"`
	Warnings []string `json:"warnings"`
}

// Partition folds per-device results into an outcome.
func PartitionResults(results []CommandResult) CommandOutcome {
	outcome := CommandOutcome{
		Success:  []string{},
		Failed:   []string{},
		Warnings: []string{},
	}
	for _, r := range results {
		if r.Success {
			outcome.Success = append(outcome.Success, r.DeviceID)
		} else {
			outcome.Failed = append(outcome.Failed, r.DeviceID)
		}
		if r.Warning != "" {
			outcome.Warnings = append(outcome.Warnings, r.DeviceID+": "+r.Warning)
		}
	}
	return outcome
}

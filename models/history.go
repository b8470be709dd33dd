package models

import (
	"time"
)

// DeviceSummary is the per-device portion of a finalized history record.
type DeviceSummary struct {
	DeviceID        string        `json:"device_id"`
	DisplayName     string        `json:"display_name"`
	HitCount        int           `json:"hit_count"`
	AverageInterval time.Duration `json:"average_interval"`
	FirstHitTime    time.Time     `json:"first_hit_time,omitempty"`
	LastHitTime     time.Time     `json:"last_hit_time,omitempty"`
	HitTimestamps   []time.Time   `json:"hit_timestamps"`
}

// SessionHistoryRecord is the immutable record a completed session is
// converted into before the live session is discarded from memory.
type SessionHistoryRecord struct {
	SessionID             string             `json:"session_id"`
	Name                  string             `json:"name"`
	StartTime             time.Time          `json:"start_time"`
	EndTime               time.Time          `json:"end_time"`
	Duration              time.Duration      `json:"duration"`
	MultiTarget           bool               `json:"multi_target"`
	Devices               []DeviceSummary    `json:"devices"`
	Splits                []SplitRecord      `json:"splits"`
	Transitions           []TransitionRecord `json:"transitions"`
	RoundCompletions      []RoundCompletion  `json:"round_completions"`
	SwitchCount           int                `json:"switch_count"`
	AverageSwitchInterval time.Duration      `json:"average_switch_interval"`
	TotalHits             int                `json:"total_hits"`
}

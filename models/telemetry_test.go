package models

import (
	"testing"
	"time"
)

func TestResolveSampleSeriesEnvelope(t *testing.T) {
	raw := []interface{}{
		[]interface{}{float64(1000), float64(1.5)},
		[]interface{}{float64(2000), float64(3.5)},
	}
	value, ts, ok := ResolveSample(raw)
	if !ok {
		t.Fatal("series envelope not resolved")
	}
	if value != 3.5 {
		t.Errorf("value = %v, want the most recent tuple's value", value)
	}
	if !ts.Equal(time.UnixMilli(2000)) {
		t.Errorf("ts = %s, want 2000ms epoch", ts)
	}
}

func TestResolveSampleValueObject(t *testing.T) {
	value, ts, ok := ResolveSample(map[string]interface{}{
		"value":     float64(42),
		"timestamp": float64(5000),
	})
	if !ok || value != 42 || !ts.Equal(time.UnixMilli(5000)) {
		t.Errorf("got (%v, %s, %v)", value, ts, ok)
	}

	// Timestamp is optional in the object shape.
	value, ts, ok = ResolveSample(map[string]interface{}{"value": float64(7)})
	if !ok || value != 7 || !ts.IsZero() {
		t.Errorf("got (%v, %s, %v)", value, ts, ok)
	}
}

func TestResolveSampleBareScalar(t *testing.T) {
	value, ts, ok := ResolveSample(float64(9.5))
	if !ok || value != 9.5 || !ts.IsZero() {
		t.Errorf("got (%v, %s, %v)", value, ts, ok)
	}
}

func TestResolveSampleRejectsUnknownShapes(t *testing.T) {
	cases := []interface{}{
		nil,
		"text",
		true,
		[]interface{}{},
		[]interface{}{"not a tuple"},
		map[string]interface{}{"timestamp": float64(1)},
	}
	for _, raw := range cases {
		if _, _, ok := ResolveSample(raw); ok {
			t.Errorf("ResolveSample(%v) resolved, want rejection", raw)
		}
	}
}

func TestParseEventKindMapsUnknown(t *testing.T) {
	tests := map[string]EventKind{
		"ready":     KindReady,
		"hit":       KindHit,
		"battery":   KindOther,
		"":          KindUnknown,
		"sparkle":   KindUnknown,
		"HIT":       KindUnknown, // wire strings are lower-case by contract
		"heartbeat": KindUnknown,
	}
	for input, want := range tests {
		if got := ParseEventKind(input); got != want {
			t.Errorf("ParseEventKind(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestParseLifecycleStateMapsUnknown(t *testing.T) {
	tests := map[string]LifecycleState{
		"idle":      StateIdle,
		"running":   StateActive,
		"stopped":   StateStopped,
		"done":      StateCompleted,
		"rebooting": StateUnknown,
		"":          StateUnknown,
	}
	for input, want := range tests {
		if got := ParseLifecycleState(input); got != want {
			t.Errorf("ParseLifecycleState(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestPartitionResults(t *testing.T) {
	outcome := PartitionResults([]CommandResult{
		{DeviceID: "a", Success: true},
		{DeviceID: "b", Success: false},
		{DeviceID: "c", Success: true, Warning: "weak signal"},
	})
	if len(outcome.Success) != 2 || len(outcome.Failed) != 1 {
		t.Errorf("outcome = %+v", outcome)
	}
	if len(outcome.Warnings) != 1 || outcome.Warnings[0] != "c: weak signal" {
		t.Errorf("warnings = %v", outcome.Warnings)
	}
}

package models

// PollingTier is the background polling aggressiveness level. Global across
// the visible device set, not per-session.
type PollingTier string

const (
	TierActive  PollingTier = "active"
	TierRecent  PollingTier = "recent"
	TierStandby PollingTier = "standby"
)

// MoreUrgent reports whether t should pre-empt other when classifying the
// device set: active beats recent beats standby.
func (t PollingTier) MoreUrgent(other PollingTier) bool {
	return t.rank() < other.rank()
}

func (t PollingTier) rank() int {
	switch t {
	case TierActive:
		return 0
	case TierRecent:
		return 1
	default:
		return 2
	}
}

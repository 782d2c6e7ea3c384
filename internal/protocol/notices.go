package protocol

import (
	"fmt"
	"time"
)

// Notice is broadcast to chamber occupants and mirrored to observers.
type Notice struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Region          string `json:"region"`
	CycleID         string `json:"cycle_id,omitempty"`
	At              string `json:"at"`
	InSeconds       int    `json:"in_seconds,omitempty"`
	Restored        bool   `json:"restored,omitempty"`
	Text            string `json:"text"`
}

func ResetNotice(region string, in time.Duration, at time.Time) Notice {
	secs := int(in.Round(time.Second) / time.Second)
	return Notice{
		Type:            TypeResetNotice,
		ProtocolVersion: Version,
		Region:          region,
		At:              at.UTC().Format(time.RFC3339),
		InSeconds:       secs,
		Text:            fmt.Sprintf("Chamber %s resets in %s.", region, humanSeconds(secs)),
	}
}

func ResetDone(region, cycleID string, restored bool, at time.Time) Notice {
	text := fmt.Sprintf("Chamber %s has been reset.", region)
	if !restored {
		text = fmt.Sprintf("Chamber %s has been reset (layout unchanged).", region)
	}
	return Notice{
		Type:            TypeResetDone,
		ProtocolVersion: Version,
		Region:          region,
		CycleID:         cycleID,
		At:              at.UTC().Format(time.RFC3339),
		Restored:        restored,
		Text:            text,
	}
}

func humanSeconds(secs int) string {
	switch {
	case secs >= 3600 && secs%3600 == 0:
		return plural(secs/3600, "hour")
	case secs >= 60 && secs%60 == 0:
		return plural(secs/60, "minute")
	default:
		return plural(secs, "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

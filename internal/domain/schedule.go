package domain

import (
	"encoding/json"
	"time"
)

// ScheduleEntry describes a recurring task fired by the beat process. Exactly one of Interval and Cron is set.
type ScheduleEntry struct {
	Name        string
	TaskName    string
	Interval    time.Duration
	Cron        string
	Payload     json.RawMessage
	Queue       string
	Priority    int
	LastFiredAt time.Time
}

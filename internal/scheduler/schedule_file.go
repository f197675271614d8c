package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/spf13/viper"
)

type fileEntry struct {
	Name     string         `mapstructure:"name"`
	Task     string         `mapstructure:"task"`
	Interval time.Duration  `mapstructure:"interval"`
	Cron     string         `mapstructure:"cron"`
	Queue    string         `mapstructure:"queue"`
	Priority int            `mapstructure:"priority"`
	Payload  map[string]any `mapstructure:"payload"`
}

// LoadSchedule reads the "schedule" list from a YAML, JSON or TOML file.
// Entries without a task name run the task named after the entry.
func LoadSchedule(path string) ([]domain.ScheduleEntry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}

	var fileEntries []fileEntry
	if err := v.UnmarshalKey("schedule", &fileEntries); err != nil {
		return nil, fmt.Errorf("decode schedule file: %w", err)
	}

	entries := make([]domain.ScheduleEntry, 0, len(fileEntries))
	for _, fe := range fileEntries {
		entry := domain.ScheduleEntry{
			Name:     fe.Name,
			TaskName: fe.Task,
			Interval: fe.Interval,
			Cron:     fe.Cron,
			Queue:    fe.Queue,
			Priority: fe.Priority,
		}
		if entry.TaskName == "" {
			entry.TaskName = fe.Name
		}
		if fe.Payload != nil {
			payload, err := json.Marshal(fe.Payload)
			if err != nil {
				return nil, fmt.Errorf("schedule entry %q: encode payload: %w", fe.Name, err)
			}
			entry.Payload = payload
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

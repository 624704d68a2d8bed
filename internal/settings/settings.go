package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings are optional runtime-tunable knobs exposed to operators.
type Settings struct {
	// SchedulerIntervalMin is the scheduler tick interval in minutes.
	SchedulerIntervalMin int `json:"scheduler_interval_min,omitempty"`
	// DispatchTimeoutMs bounds one enqueue to the executor queue.
	DispatchTimeoutMs int `json:"dispatch_timeout_ms,omitempty"`
	// RecentLimit is the default page size for build listings.
	RecentLimit int `json:"recent_limit,omitempty"`
	// AutoSchedule enables the in-process job runner.
	AutoSchedule *bool `json:"auto_schedule,omitempty"`
	// AutoSeed enables plan seeding at startup.
	AutoSeed *bool `json:"auto_seed,omitempty"`
}

var mu sync.Mutex

const (
	defaultSchedulerIntervalMin = 1
	defaultDispatchTimeoutMs    = 5000
	defaultRecentLimit          = 25
)

// ApplyDefaults fills zero-values with sane defaults. Explicit false on
// pointer bools is preserved.
func ApplyDefaults(s Settings) Settings {
	if s.SchedulerIntervalMin == 0 {
		s.SchedulerIntervalMin = defaultSchedulerIntervalMin
	}
	if s.DispatchTimeoutMs == 0 {
		s.DispatchTimeoutMs = defaultDispatchTimeoutMs
	}
	if s.RecentLimit == 0 {
		s.RecentLimit = defaultRecentLimit
	}
	if s.AutoSchedule == nil {
		v := true
		s.AutoSchedule = &v
	}
	if s.AutoSeed == nil {
		v := true
		s.AutoSeed = &v
	}
	return s
}

// BoolValue dereferences a pointer bool, false when nil.
func BoolValue(b *bool) bool {
	return b != nil && *b
}

// Load reads settings from path; defaults apply for anything missing.
func Load(path string) Settings {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return ApplyDefaults(Settings{})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ApplyDefaults(Settings{})
	}
	var s Settings
	_ = json.Unmarshal(data, &s)
	return ApplyDefaults(s)
}

// Save writes settings to path, creating parent directories.
func Save(path string, s Settings) error {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

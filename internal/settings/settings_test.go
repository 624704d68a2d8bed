package settings

import (
	"path/filepath"
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	s := ApplyDefaults(Settings{})
	if s.SchedulerIntervalMin != 1 || s.DispatchTimeoutMs != 5000 || s.RecentLimit != 25 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if !BoolValue(s.AutoSchedule) || !BoolValue(s.AutoSeed) {
		t.Fatal("bool knobs should default to true")
	}
}

func TestApplyDefaultsKeepsExplicitFalse(t *testing.T) {
	off := false
	s := ApplyDefaults(Settings{AutoSchedule: &off, AutoSeed: &off})
	if BoolValue(s.AutoSchedule) || BoolValue(s.AutoSeed) {
		t.Fatal("explicit false was overridden")
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	s := ApplyDefaults(Settings{SchedulerIntervalMin: 5, RecentLimit: 100})
	if s.SchedulerIntervalMin != 5 || s.RecentLimit != 100 {
		t.Fatalf("explicit values overridden: %+v", s)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.json")
	off := false
	in := Settings{SchedulerIntervalMin: 3, AutoSchedule: &off}
	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}
	out := Load(path)
	if out.SchedulerIntervalMin != 3 {
		t.Fatalf("interval lost: %+v", out)
	}
	if BoolValue(out.AutoSchedule) {
		t.Fatal("explicit false lost on round trip")
	}
	// missing fields still get defaults
	if out.RecentLimit != 25 {
		t.Fatalf("defaults not applied on load: %+v", out)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	out := Load(filepath.Join(t.TempDir(), "absent.json"))
	if out.SchedulerIntervalMin != 1 || !BoolValue(out.AutoSeed) {
		t.Fatalf("unexpected settings from missing file: %+v", out)
	}
}

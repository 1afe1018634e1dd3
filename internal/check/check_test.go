package check

import (
	"testing"
	"time"

	"github.com/konishchev/vsbsync/internal/logging"
	"github.com/konishchev/vsbsync/internal/storage"
)

func TestParseBackupName(t *testing.T) {
	cases := []struct {
		name string
		want time.Time
		ok   bool
	}{
		{"2018.03.21-17:45:03", time.Date(2018, 3, 21, 17, 45, 3, 0, time.Local), true},
		{"20180321-174503", time.Date(2018, 3, 21, 17, 45, 3, 0, time.Local), true},
		{"2018.03.21", time.Date(2018, 3, 21, 0, 0, 0, 0, time.Local), true},
		{"latest", time.Time{}, false},
		{"", time.Time{}, false},
	}

	for _, tc := range cases {
		got, ok := parseBackupName(tc.name)
		if ok != tc.ok {
			t.Errorf("parseBackupName(%q) ok = %v, want %v", tc.name, ok, tc.ok)
			continue
		}
		if ok && !got.Equal(tc.want) {
			t.Errorf("parseBackupName(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCheckWarnsOnStaleBackups(t *testing.T) {
	log := logging.NewLogger()
	now := time.Date(2018, 4, 1, 12, 0, 0, 0, time.Local)

	groups := storage.BackupGroups{
		"2018.03.01": {"2018.03.01-01:00:00", "2018.03.02-01:00:00"},
	}

	if !checkAt(log, "test", groups, true, 24*time.Hour, now) {
		t.Error("expected a warning for a month-old newest backup")
	}
}

func TestCheckAcceptsFreshBackups(t *testing.T) {
	log := logging.NewLogger()
	now := time.Date(2018, 3, 2, 12, 0, 0, 0, time.Local)

	groups := storage.BackupGroups{
		"2018.03.01": {"2018.03.01-01:00:00", "2018.03.02-01:00:00"},
	}

	if checkAt(log, "test", groups, true, 48*time.Hour, now) {
		t.Error("did not expect a warning for a fresh backup")
	}
}

func TestCheckWarnsWhenNoBackupsExist(t *testing.T) {
	log := logging.NewLogger()
	now := time.Date(2018, 3, 2, 12, 0, 0, 0, time.Local)

	if !checkAt(log, "test", storage.BackupGroups{}, true, time.Hour, now) {
		t.Error("expected a warning for an empty storage")
	}
	if !checkAt(log, "test", storage.BackupGroups{"g": nil}, true, time.Hour, now) {
		t.Error("expected a warning when every group is empty")
	}
}

func TestCheckSkipsWhenDisabledOrInconsistent(t *testing.T) {
	log := logging.NewLogger()
	now := time.Date(2018, 4, 1, 12, 0, 0, 0, time.Local)

	stale := storage.BackupGroups{
		"2018.03.01": {"2018.03.01-01:00:00"},
	}

	if checkAt(log, "test", stale, true, 0, now) {
		t.Error("a zero threshold must disable the check")
	}
	if checkAt(log, "test", stale, false, time.Hour, now) {
		t.Error("an inconsistent listing must suppress the check")
	}
}

func TestNewestBackupTimeSpansGroups(t *testing.T) {
	groups := storage.BackupGroups{
		"2018.02.01": {"2018.02.01-01:00:00", "2018.02.15-01:00:00"},
		"2018.03.01": {"2018.03.01-01:00:00"},
		"misc":       {"latest"},
	}

	got, ok := newestBackupTime(groups)
	if !ok {
		t.Fatal("expected a parseable newest backup")
	}
	want := time.Date(2018, 3, 1, 1, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("newestBackupTime = %v, want %v", got, want)
	}
}

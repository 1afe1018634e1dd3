// Package check implements the "max time without backups" evaluation
// the orchestration loop runs before and after each sync: if the
// newest backup on a storage is older than the configured threshold, a
// warning is logged. It is pure reporting and never affects the exit
// code.
package check

import (
	"time"

	"github.com/konishchev/vsbsync/internal/logging"
	"github.com/konishchev/vsbsync/internal/storage"
)

// backupNameLayouts are the timestamp formats a backup name may carry.
// Backup names are ordered lexicographically by recency, which in
// practice means they embed a creation timestamp; names that match none
// of these layouts are skipped.
var backupNameLayouts = []string{
	"2006.01.02-15:04:05",
	"2006.01.02-150405",
	"20060102-150405",
	"20060102_150405",
	"2006-01-02T15:04:05",
	"2006.01.02",
	"20060102",
}

// Backups warns when storageName's newest backup is older than maxTime.
// consistent reports whether the group listing that produced groups was
// complete; an inconsistent listing suppresses the check because a
// missing sub-listing would make the warning unreliable. A zero maxTime
// disables the check.
func Backups(log *logging.Logger, storageName string, groups storage.BackupGroups, consistent bool, maxTime time.Duration) {
	checkAt(log, storageName, groups, consistent, maxTime, time.Now())
}

func checkAt(log *logging.Logger, storageName string, groups storage.BackupGroups, consistent bool, maxTime time.Duration, now time.Time) bool {
	if maxTime <= 0 {
		return false
	}
	if !consistent {
		log.Debugf("Skipping backup age check on %s: the backup listing is incomplete.", storageName)
		return false
	}

	newest, ok := newestBackupTime(groups)
	if !ok {
		log.Warnf("There are no backups on %s.", storageName)
		return true
	}

	if age := now.Sub(newest); age > maxTime {
		log.Warnf("The newest backup on %s is %s old (created %s), which exceeds the configured maximum of %s.",
			storageName, age.Round(time.Minute), newest.Format("2006.01.02 15:04:05"), maxTime)
		return true
	}
	return false
}

// newestBackupTime finds the most recent parseable backup timestamp
// across every group. Since names order lexicographically by recency,
// only each group's last backup needs parsing.
func newestBackupTime(groups storage.BackupGroups) (time.Time, bool) {
	var newest time.Time
	found := false

	for _, backups := range groups {
		if len(backups) == 0 {
			continue
		}
		t, ok := parseBackupName(backups[len(backups)-1])
		if !ok {
			continue
		}
		if !found || t.After(newest) {
			newest = t
			found = true
		}
	}

	return newest, found
}

func parseBackupName(name string) (time.Time, bool) {
	for _, layout := range backupNameLayouts {
		if len(name) != len(layout) {
			continue
		}
		if t, err := time.ParseInLocation(layout, name, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

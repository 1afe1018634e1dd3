// Package syncplan reconciles local and cloud backup groups under a
// retention cap and drives the storage catalog's create/upload/delete
// operations.
package syncplan

import (
	"context"
	"fmt"
	"sort"

	"github.com/konishchev/vsbsync/internal/logging"
	"github.com/konishchev/vsbsync/internal/storage"
)

// TargetGroups computes the union of local and cloud groups, then, if
// that union exceeds maxGroups, retains only the newest maxGroups
// non-empty groups: iterating in descending (newest-first) order,
// empty groups are skipped without counting toward the cap, and every
// group strictly older than the cut point is dropped entirely.
func TargetGroups(localGroups, cloudGroups storage.BackupGroups, maxGroups int) storage.BackupGroups {
	target := storage.BackupGroups{}
	for name, backups := range localGroups {
		target[name] = append([]string(nil), backups...)
	}
	for name, backups := range cloudGroups {
		target[name] = mergeBackups(target[name], backups)
	}

	if len(target) <= maxGroups {
		return target
	}

	names := target.SortedNames()

	nonEmptySeen := 0
	cutIndex := -1
	for i := len(names) - 1; i >= 0; i-- {
		if len(target[names[i]]) == 0 {
			continue
		}
		nonEmptySeen++
		if nonEmptySeen >= maxGroups {
			cutIndex = i
			break
		}
	}
	if cutIndex < 0 {
		return target
	}

	trimmed := storage.BackupGroups{}
	for _, name := range names[cutIndex:] {
		trimmed[name] = target[name]
	}
	return trimmed
}

func mergeBackups(existing, additional []string) []string {
	seen := map[string]bool{}
	for _, b := range existing {
		seen[b] = true
	}
	merged := append([]string(nil), existing...)
	for _, b := range additional {
		if !seen[b] {
			merged = append(merged, b)
			seen[b] = true
		}
	}
	sort.Strings(merged)
	return merged
}

// Plan reconciles localGroups against cloudGroups and drives cloud to
// reflect the target state:
//   - create any target group missing on cloud (skip it on failure);
//   - upload any target backup not already present in that cloud
//     group (skip it on failure, continue with the next backup);
//   - delete any cloud group whose key is not a target group.
//
// In dev mode, the first backup of every target group's upload list is
// skipped (fast local iteration without re-uploading the newest
// backup every run) and every cloud group is deleted regardless of
// membership in the target set.
//
// The returned ok flag reports whether both listings were complete and
// every create/upload/delete succeeded; the orchestration loop gates
// its post-sync backup age check on it.
func Plan(
	ctx context.Context,
	log *logging.Logger,
	localStorage *storage.Storage,
	cloudStorage *storage.Writer,
	maxGroups int,
	passphrase string,
	devMode bool,
) (bool, error) {
	localGroups, localOK, err := localStorage.GetBackupGroups(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list backup groups on %s: %w", localStorage.Name(), err)
	}

	cloudGroups, cloudOK, err := cloudStorage.GetBackupGroups(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list backup groups on %s: %w", cloudStorage.Name(), err)
	}

	ok := localOK && cloudOK

	target := TargetGroups(localGroups, cloudGroups, maxGroups)

	for _, groupName := range target.SortedNames() {
		targetBackups := target[groupName]
		if len(targetBackups) == 0 {
			continue
		}

		cloudBackups, groupExists := cloudGroups[groupName]
		if !groupExists {
			log.Infof("Creating %q backup group on %s...", groupName, cloudStorage.Name())
			if err := cloudStorage.CreateBackupGroup(ctx, groupName); err != nil {
				log.Errorf("Failed to create %q backup group on %s: %s.", groupName, cloudStorage.Name(), err)
				ok = false
				continue
			}
		}

		present := map[string]bool{}
		for _, b := range cloudBackups {
			present[b] = true
		}

		for i, backupName := range targetBackups {
			if devMode && i == 0 {
				continue
			}
			if present[backupName] {
				continue
			}

			backupPath := localStorage.GetBackupPath(groupName, backupName)
			log.Infof("Uploading %q backup to %s...", backupPath, cloudStorage.Name())

			if err := cloudStorage.UploadBackup(ctx, backupPath, groupName, backupName, passphrase); err != nil {
				log.Errorf("Failed to upload %q backup to %s: %s.", backupPath, cloudStorage.Name(), err)
				ok = false
			}
		}
	}

	for _, groupName := range cloudGroups.SortedNames() {
		_, isTarget := target[groupName]
		if devMode || !isTarget {
			log.Infof("Deleting %q backup group from %s...", groupName, cloudStorage.Name())
			if err := cloudStorage.DeleteBackupGroup(ctx, groupName); err != nil {
				log.Errorf("Failed to delete %q backup group from %s: %s.", groupName, cloudStorage.Name(), err)
				ok = false
			}
		}
	}

	return ok, nil
}

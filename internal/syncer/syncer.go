// Package syncer is the per-backup orchestration loop: it walks
// the configured jobs sequentially, builds each job's provider pair,
// runs the backup age check before and after the sync, and contains
// each job's failure so the remaining jobs still run.
package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/konishchev/vsbsync/internal/check"
	"github.com/konishchev/vsbsync/internal/config"
	"github.com/konishchev/vsbsync/internal/httpx"
	"github.com/konishchev/vsbsync/internal/logging"
	"github.com/konishchev/vsbsync/internal/progress"
	"github.com/konishchev/vsbsync/internal/provider"
	"github.com/konishchev/vsbsync/internal/provider/azureblob"
	"github.com/konishchev/vsbsync/internal/provider/dropbox"
	"github.com/konishchev/vsbsync/internal/provider/local"
	"github.com/konishchev/vsbsync/internal/provider/s3provider"
	"github.com/konishchev/vsbsync/internal/storage"
	"github.com/konishchev/vsbsync/internal/syncplan"
)

// Syncer drives every configured backup job against its provider.
type Syncer struct {
	transport    *httpx.Transport
	devMode      bool
	showProgress bool
}

// New builds a Syncer. transport backs the Dropbox provider; devMode
// and showProgress come from the CLI flags.
func New(transport *httpx.Transport, devMode, showProgress bool) *Syncer {
	return &Syncer{transport: transport, devMode: devMode, showProgress: showProgress}
}

// Run processes jobs sequentially and returns how many of them failed.
// One job's failure never aborts the rest; cancellation (SIGINT or
// SIGTERM through ctx) is observed between jobs.
func (s *Syncer) Run(ctx context.Context, log *logging.Logger, jobs []config.Job) int {
	failed := 0

	for i := range jobs {
		job := &jobs[i]
		jobLog := log.WithBackup(job.Name)

		if ctx.Err() != nil {
			jobLog.Warnf("Sync cancelled before %q and the remaining jobs could run.", job.Name)
			failed++
			break
		}

		if err := s.syncJob(ctx, jobLog, job); err != nil {
			jobLog.Errorf("Sync failed: %s.", err)
			failed++
		}
	}

	return failed
}

func (s *Syncer) syncJob(ctx context.Context, log *logging.Logger, job *config.Job) error {
	localStorage := storage.New(local.New("local filesystem"), job.Src)

	log.Infof("Checking backups on %s...", localStorage.Name())
	localGroups, localOK, err := localStorage.GetBackupGroups(ctx)
	if err != nil {
		return err
	}
	logGroups(log, localStorage.Name(), localGroups)
	check.Backups(log, localStorage.Name(), localGroups, localOK, job.MaxTimeWithoutBackups.Std())

	cloudProvider, err := s.buildProvider(ctx, job)
	if err != nil {
		return err
	}
	cloudStorage := storage.NewWriter(cloudProvider, job.Dst)
	if s.showProgress {
		cloudStorage.SetProgress(progress.NewCLIProgress())
	}

	log.Infof("Syncing...")
	syncOK, err := syncplan.Plan(ctx, log, localStorage, cloudStorage,
		job.MaxBackupGroups, job.EncryptionPassphrase, s.devMode)
	if err != nil {
		return err
	}

	cloudGroups, cloudOK, err := cloudStorage.GetBackupGroups(ctx)
	if err != nil {
		log.Errorf("Unable to check backups on %s: %s.", cloudStorage.Name(), err)
		return nil
	}
	logGroups(log, cloudStorage.Name(), cloudGroups)
	check.Backups(log, cloudStorage.Name(), cloudGroups, syncOK && cloudOK, job.MaxTimeWithoutBackups.Std())

	return nil
}

// buildProvider resolves the job's provider union into a concrete
// writable backend.
func (s *Syncer) buildProvider(ctx context.Context, job *config.Job) (provider.WriteProvider, error) {
	p := &job.Provider

	switch p.Type {
	case config.ProviderDropbox:
		return dropbox.New(s.transport, p.AccessToken), nil

	case config.ProviderS3:
		return s3provider.New(ctx, s3provider.Config{
			Bucket:          p.Bucket,
			Region:          p.Region,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			Endpoint:        p.Endpoint,
		})

	case config.ProviderAzure:
		connectionString := fmt.Sprintf(
			"DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
			p.AccountName, p.AccountKey)
		return azureblob.New(connectionString, p.ContainerName)

	case config.ProviderLocal:
		return local.New("local destination at " + p.Root), nil

	default:
		return nil, fmt.Errorf("unsupported provider type %q", p.Type)
	}
}

func logGroups(log *logging.Logger, storageName string, groups storage.BackupGroups) {
	if len(groups) == 0 {
		log.Debugf("There are no backup groups on %s.", storageName)
		return
	}

	log.Debugf("Backup groups on %s:", storageName)
	for _, groupName := range groups.SortedNames() {
		log.Debugf("%s: %s", groupName, strings.Join(groups[groupName], ", "))
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/konishchev/vsbsync/internal/config"
	"github.com/konishchev/vsbsync/internal/httpx"
	"github.com/konishchev/vsbsync/internal/lock"
	"github.com/konishchev/vsbsync/internal/syncer"
	stringsutil "github.com/konishchev/vsbsync/internal/util/strings"
)

// newSyncCmd creates the sync subcommand, the program's one real
// operation: it loads and locks the config, builds the shared HTTP
// transport, and runs every configured backup job.
func newSyncCmd() *cobra.Command {
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every configured backup to its cloud provider",
		Long: `Reads the backup jobs from the configuration file and synchronizes
each job's local backup groups to its cloud provider, encrypting every
archive in transit. Exits non-zero if any job fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Failures past this point are operational, not usage errors.
			cmd.SilenceUsage = true

			log := GetLogger()

			if cfgFile == "" {
				return fmt.Errorf("the --config flag is required")
			}

			doc, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			// The lock is held for the process lifetime so concurrent
			// invocations against the same config fail fast.
			configLock, err := lock.Acquire(cfgFile)
			if err != nil {
				return err
			}
			defer configLock.Release()

			transport, err := httpx.NewTransport(doc.HTTPConfig(), log, "vsbsync/"+Version)
			if err != nil {
				return err
			}

			if devMode {
				log.Warnf("Attention! Running in develop mode.")
			}

			s := syncer.New(transport, devMode, !noProgress)
			failed := s.Run(GetContext(), log, doc.Jobs)
			if failed > 0 {
				return fmt.Errorf("%d backup %s failed",
					failed, stringsutil.Pluralize("job", int64(failed)))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable upload progress bars")

	return cmd
}

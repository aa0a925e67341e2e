package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"nisbot/app/core/scheduler"
)

const (
	defaultTraceRetentionDays = 14
	defaultBackupKeep         = 3
	defaultPruneInterval      = 6 * time.Hour
	defaultPruneTimeout       = 20 * time.Second

	traceDayLayout = "2006-01-02"
)

type MaintenanceOptions struct {
	Enabled            bool
	TraceDir           string
	TraceRetentionDays int
	DBPath             string
	BackupKeep         int
	PruneInterval      time.Duration
	PruneTimeout       time.Duration
}

// RegisterMaintenanceJobs adds the housekeeping jobs: pruning old gateway
// trace days and old migration backups of the task database.
func RegisterMaintenanceJobs(jobScheduler *scheduler.Scheduler, opts MaintenanceOptions) error {
	if jobScheduler == nil || !opts.Enabled {
		return nil
	}
	opts = sanitizeMaintenanceOptions(opts)

	if opts.TraceDir != "" {
		err := jobScheduler.Register(scheduler.JobSpec{
			Name:       "trace-prune",
			Interval:   opts.PruneInterval,
			Timeout:    opts.PruneTimeout,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				cutoff := time.Now().UTC().AddDate(0, 0, -opts.TraceRetentionDays)
				removed, err := PruneTraceDays(ctx, opts.TraceDir, cutoff)
				if removed > 0 {
					log.Printf("[Maintenance] trace-prune removed=%d cutoff=%s", removed, cutoff.Format(traceDayLayout))
				}
				return err
			},
		})
		if err != nil {
			return err
		}
	}

	if opts.DBPath != "" {
		err := jobScheduler.Register(scheduler.JobSpec{
			Name:       "db-backup-prune",
			Interval:   opts.PruneInterval,
			Timeout:    opts.PruneTimeout,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				removed, err := PruneMigrationBackups(opts.DBPath, opts.BackupKeep)
				if removed > 0 {
					log.Printf("[Maintenance] db-backup-prune removed=%d keep=%d", removed, opts.BackupKeep)
				}
				return err
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func sanitizeMaintenanceOptions(opts MaintenanceOptions) MaintenanceOptions {
	if opts.TraceRetentionDays <= 0 {
		opts.TraceRetentionDays = defaultTraceRetentionDays
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = defaultBackupKeep
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	if opts.PruneTimeout <= 0 {
		opts.PruneTimeout = defaultPruneTimeout
	}
	return opts
}

// PruneTraceDays removes YYYY-MM-DD directories under traceDir dated before
// cutoff. Entries with other names are left alone.
func PruneTraceDays(ctx context.Context, traceDir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(traceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	limit := cutoff.UTC().Format(traceDayLayout)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(traceDayLayout, entry.Name()); err != nil {
			continue
		}
		if entry.Name() >= limit {
			continue
		}
		if err := os.RemoveAll(filepath.Join(traceDir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove trace day %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// PruneMigrationBackups keeps the newest keep backups written next to dbPath
// before schema upgrades and deletes the rest.
func PruneMigrationBackups(dbPath string, keep int) (int, error) {
	matches, err := filepath.Glob(dbPath + ".migration-*.bak")
	if err != nil {
		return 0, err
	}
	if len(matches) <= keep {
		return 0, nil
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: path, modTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].path > backups[j].path
		}
		return backups[i].modTime.After(backups[j].modTime)
	})

	removed := 0
	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i].path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"calwatch/internal/types"
)

// staleBatchLimit caps how many records are archived and purged per round
// trip to the store. A run drains batches until nothing stale remains.
const staleBatchLimit = 10000

// staleRepo is the repository surface the retention job needs.
type staleRepo interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*types.NotificationRecord, error)
	PurgeRecords(ctx context.Context, records []*types.NotificationRecord) (int64, error)
	PurgeStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob archives and purges notification state for events that
// ended longer than the grace period ago. Confirmation rows for those
// events are purged alongside.
type RetentionJob struct {
	repo       staleRepo
	grace      time.Duration
	archiveDir string
	batchSize  int
	clock      types.Clock
	logger     types.Logger
}

// NewRetentionJob creates the job. archiveDir may be empty, in which case
// stale records are purged without an archive copy.
func NewRetentionJob(repo staleRepo, grace time.Duration, archiveDir string, clock types.Clock, logger types.Logger) *RetentionJob {
	return &RetentionJob{
		repo:       repo,
		grace:      grace,
		archiveDir: archiveDir,
		batchSize:  staleBatchLimit,
		clock:      clock,
		logger:     logger,
	}
}

// Run performs one retention pass. With archiving enabled, each batch is
// flushed to the archive file before its rows are deleted, so no record is
// ever purged without an archived copy.
func (j *RetentionJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	cutoff := now.Add(-j.grace)

	var archived int64
	if j.archiveDir != "" {
		n, err := j.archiveAndPurge(ctx, cutoff, now)
		if err != nil {
			// Do not purge what we failed to archive.
			j.logger.Error("retention archive failed; purge stopped", "error", err.Error())
			return err
		}
		archived = n
	}

	// With archiving enabled every stale notification row is already gone
	// at this point; the sweep then only collects stale confirmation rows.
	purged, err := j.repo.PurgeStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("retention purge failed", "error", err.Error())
		return err
	}

	j.logger.Info("retention pass completed",
		"cutoff", cutoff.Format(time.RFC3339),
		"archived", archived,
		"purged", purged+archived,
	)
	return nil
}

// archiveAndPurge drains the stale records in batches, writing each batch
// as gzip-compressed JSON lines into a timestamped file under archiveDir
// and deleting exactly the archived rows before fetching the next batch.
// The gzip stream is flushed before every delete; a failure mid-run leaves
// the remaining rows in place for the next pass.
func (j *RetentionJob) archiveAndPurge(ctx context.Context, cutoff, now time.Time) (int64, error) {
	var (
		f     *os.File
		zw    *gzip.Writer
		enc   *json.Encoder
		path  string
		total int64
	)
	defer func() {
		if zw != nil {
			zw.Close()
		}
		if f != nil {
			f.Close()
		}
	}()

	for {
		records, err := j.repo.ListStale(ctx, cutoff, j.batchSize)
		if err != nil {
			return total, fmt.Errorf("archive: %w", err)
		}
		if len(records) == 0 {
			break
		}

		// The file is created lazily so an empty pass leaves no artifact.
		if f == nil {
			if err := os.MkdirAll(j.archiveDir, 0o755); err != nil {
				return total, fmt.Errorf("archive: %w", err)
			}
			path = filepath.Join(j.archiveDir, fmt.Sprintf("records-%s.json.gz", now.Format("20060102T150405")))
			f, err = os.Create(path)
			if err != nil {
				return total, fmt.Errorf("archive: %w", err)
			}
			zw = gzip.NewWriter(f)
			enc = json.NewEncoder(zw)
		}

		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return total, fmt.Errorf("archive: encode record: %w", err)
			}
		}
		if err := zw.Flush(); err != nil {
			return total, fmt.Errorf("archive: %w", err)
		}

		if _, err := j.repo.PurgeRecords(ctx, records); err != nil {
			return total, fmt.Errorf("archive: purge batch: %w", err)
		}
		total += int64(len(records))
	}

	if zw != nil {
		err := zw.Close()
		zw = nil
		if err != nil {
			return total, fmt.Errorf("archive: %w", err)
		}
	}
	if f != nil {
		err := f.Close()
		f = nil
		if err != nil {
			return total, fmt.Errorf("archive: %w", err)
		}
		j.logger.Info("archived stale records", "file", path, "count", total)
	}
	return total, nil
}

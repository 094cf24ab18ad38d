package downloader

import (
	"context"
	"errors"
	"time"

	"github.com/geofetch/geofetch/internal/logctx"
	"github.com/geofetch/geofetch/internal/store"
	"github.com/geofetch/geofetch/internal/telemetry"
	"github.com/geofetch/geofetch/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// Orchestrator fans a target list out across a bounded pool of workers,
// each executing resumable transfers, and aggregates the outcomes.
type Orchestrator struct {
	records *store.Store
	fetcher *transfer.Fetcher
	tel     *telemetry.Telemetry
	workers int
	dryRun  bool
}

func New(records *store.Store, fetcher *transfer.Fetcher, tel *telemetry.Telemetry, workers int, dryRun bool) *Orchestrator {
	if workers < 1 {
		workers = 1
	}

	return &Orchestrator{
		records: records,
		fetcher: fetcher,
		tel:     tel,
		workers: workers,
		dryRun:  dryRun,
	}
}

// Run drives every target to a terminal state and returns the aggregate
// summary. Targets whose persisted record is already completed are skipped
// without any network request, so re-runs are idempotent. Per-target
// failures are recorded and never abort other workers; only context
// cancellation or a store that cannot persist state ends the run early.
func (o *Orchestrator) Run(ctx context.Context, targets []transfer.Target) (store.RunSummary, error) {
	logger := logctx.LoggerFromContext(ctx)

	pending := make([]transfer.Target, 0, len(targets))
	skipped := 0

	for _, t := range targets {
		if rec, ok := o.records.Get(t.ID); ok && rec.Status == store.StatusCompleted {
			logger.Debug("skipping already completed target", "target_id", t.ID)

			skipped++

			continue
		}

		pending = append(pending, t)
	}

	if o.dryRun {
		return o.plan(ctx, targets, pending, skipped), nil
	}

	logger.Info("starting downloads",
		"targets", len(targets),
		"pending", len(pending),
		"skipped", skipped,
		"workers", o.workers,
	)

	queue := make(chan transfer.Target)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)

		for _, t := range pending {
			select {
			case queue <- t:
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		return nil
	})

	for range o.workers {
		g.Go(func() error {
			for t := range queue {
				if err := o.download(gctx, t); err != nil {
					return err
				}
			}

			return nil
		})
	}

	err := g.Wait()

	summary := o.records.Snapshot(targetIDs(targets))
	summary.Skipped = skipped

	return summary, err
}

// plan is the dry-run path: it reports what would be downloaded, with zero
// network I/O and zero store mutation.
func (o *Orchestrator) plan(ctx context.Context, targets, pending []transfer.Target, skipped int) store.RunSummary {
	logger := logctx.LoggerFromContext(ctx)

	summary := store.RunSummary{
		Total:   len(targets),
		Skipped: skipped,
		Planned: targetIDs(pending),
	}

	for _, t := range pending {
		logger.Info("would download", "target_id", t.ID, "url", t.URL)
	}

	return summary
}

func (o *Orchestrator) download(ctx context.Context, t transfer.Target) error {
	rec, ok := o.records.Get(t.ID)
	if !ok {
		rec = store.TransferRecord{
			ID:        t.ID,
			URL:       t.URL,
			Status:    store.StatusPending,
			StartedAt: time.Now(),
		}

		if err := o.records.Upsert(rec); err != nil {
			return err
		}
	}

	resumedFrom := rec.BytesReceived

	var (
		final   store.TransferRecord
		execErr error
	)

	_ = o.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		final, execErr = o.fetcher.Execute(ctx, t, rec)
		if execErr != nil {
			return execErr
		}

		if final.Status == store.StatusFailed {
			return errors.New(final.LastError)
		}

		return nil
	})

	o.tel.AddBytesDownloaded(final.BytesReceived - resumedFrom)

	return execErr
}

func targetIDs(targets []transfer.Target) []string {
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}

	return ids
}

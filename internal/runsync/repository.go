// Package runsync keeps the local run store and the remote backend in step.
// The local store is authoritative; the backend is a best-effort mirror.
package runsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sstent/pacetrack-go/internal/database"
	"github.com/sstent/pacetrack-go/internal/dataerr"
	"github.com/sstent/pacetrack-go/internal/metrics"
	"github.com/sstent/pacetrack-go/internal/models"
)

const DefaultUploadTimeout = 30 * time.Second

type LocalStore interface {
	Upsert(ctx context.Context, rec models.RunRecord, snapshot []byte) (models.RunRecord, error)
	MarkSynced(ctx context.Context, rec models.RunRecord) (models.RunRecord, error)
	UpsertAll(ctx context.Context, recs []models.RunRecord) (int, error)
	Get(ctx context.Context, id string) (models.RunRecord, error)
	List(ctx context.Context, filters database.RunFilters) ([]models.RunRecord, error)
	Subscribe(ctx context.Context) <-chan []models.RunRecord
	Delete(ctx context.Context, id string) error
	PendingUploads(ctx context.Context) ([]database.PendingUpload, error)
	PendingDeletes(ctx context.Context) ([]string, error)
	RemovePendingDelete(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*database.Stats, error)
	SetLastRefresh(ctx context.Context, at time.Time) error
	SetLastRetry(ctx context.Context, at time.Time) error
}

type RemoteService interface {
	ListRuns(ctx context.Context) ([]models.RunRecord, error)
	UploadRun(ctx context.Context, rec models.RunRecord, mapSnapshot []byte) (models.RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
}

// RetryReport summarizes one RetryPending pass.
type RetryReport struct {
	Uploaded int `json:"uploaded"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

type Repository struct {
	local         LocalStore
	remote        RemoteService
	uploadTimeout time.Duration
	now           func() time.Time
	log           *slog.Logger

	// Background uploads and deletes run under ctx, not the caller's.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewRepository(local LocalStore, remote RemoteService, uploadTimeout time.Duration) *Repository {
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Repository{
		local:         local,
		remote:        remote,
		uploadTimeout: uploadTimeout,
		now:           time.Now,
		log:           slog.Default().With("component", "runsync"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// ListRuns streams the local run list: the current list first, then the
// new list after every change. The channel closes when ctx is done.
func (r *Repository) ListRuns(ctx context.Context) <-chan []models.RunRecord {
	return r.local.Subscribe(ctx)
}

// Runs is a one-shot local query.
func (r *Repository) Runs(ctx context.Context, filters database.RunFilters) ([]models.RunRecord, error) {
	runs, err := r.local.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (r *Repository) Run(ctx context.Context, id string) (models.RunRecord, error) {
	return r.local.Get(ctx, id)
}

func (r *Repository) Stats(ctx context.Context) (*database.Stats, error) {
	return r.local.GetStats(ctx)
}

// RefreshFromRemote replaces local copies with the backend's runs. Runs
// deleted locally but not yet remotely are left out.
func (r *Repository) RefreshFromRemote(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues("refresh").Observe(time.Since(start).Seconds())
	}()

	runs, err := r.remote.ListRuns(ctx)
	if err != nil {
		r.remoteFailure("list", err)
		return fmt.Errorf("failed to fetch remote runs: %w", err)
	}

	written, err := r.local.UpsertAll(ctx, runs)
	if err != nil {
		return fmt.Errorf("failed to store remote runs: %w", err)
	}
	if err := r.local.SetLastRefresh(ctx, r.now()); err != nil {
		return fmt.Errorf("failed to record refresh: %w", err)
	}

	r.log.Info("refreshed runs from remote", "remote", len(runs), "written", written, "duration", time.Since(start))
	return nil
}

// Save stores rec locally and then uploads it. Only local failures are
// returned: a failed upload leaves the run pending for RetryPending. The
// upload is not cancelled with ctx; if ctx ends first Save returns the
// pending record and the upload finishes in the background.
func (r *Repository) Save(ctx context.Context, rec models.RunRecord, mapSnapshot []byte) (models.RunRecord, error) {
	rec.SyncStatus = models.SyncPending
	rec.MapSnapshotURL = ""

	stored, err := r.local.Upsert(ctx, rec, mapSnapshot)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to save run locally: %w", err)
	}
	metrics.RunsSaved.Inc()

	type result struct {
		rec models.RunRecord
		err error
	}
	done := make(chan result, 1)
	started := r.spawn(func(bg context.Context) {
		synced, _, err := r.push(bg, stored, mapSnapshot)
		if err != nil {
			r.log.Error("failed to converge uploaded run", "id", stored.ID, "error", err)
		}
		done <- result{synced, err}
	})
	if !started {
		return stored, nil
	}

	select {
	case res := <-done:
		if res.err != nil {
			return stored, res.err
		}
		return res.rec, nil
	case <-ctx.Done():
		return stored, nil
	}
}

// Delete removes the run locally and asks the backend to delete it in the
// background. Until the backend confirms, the deletion stays queued for
// RetryPending.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.local.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	r.spawn(func(bg context.Context) {
		if err := r.deleteRemote(bg, id); err != nil && dataerr.IsLocal(err) {
			r.log.Error("failed to clear pending delete", "id", id, "error", err)
		}
	})
	return nil
}

// RetryPending uploads every pending run and replays queued deletions.
// Remote failures are counted in the report and the first one is returned
// after the pass completes; a local failure aborts the pass.
func (r *Repository) RetryPending(ctx context.Context) (RetryReport, error) {
	start := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues("retry").Observe(time.Since(start).Seconds())
	}()

	var report RetryReport
	var firstRemote error

	pending, err := r.local.PendingUploads(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load pending uploads: %w", err)
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, remoteErr, err := r.push(ctx, p.Record, p.MapSnapshot)
		if err != nil {
			return report, err
		}
		if remoteErr != nil {
			report.Failed++
			if firstRemote == nil {
				firstRemote = remoteErr
			}
			continue
		}
		report.Uploaded++
	}

	ids, err := r.local.PendingDeletes(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load pending deletes: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.deleteRemote(ctx, id); err != nil {
			if dataerr.IsLocal(err) {
				return report, err
			}
			report.Failed++
			if firstRemote == nil {
				firstRemote = err
			}
			continue
		}
		report.Deleted++
	}

	metrics.PendingChanges.Set(float64(report.Failed))

	if err := r.local.SetLastRetry(ctx, r.now()); err != nil {
		return report, fmt.Errorf("failed to record retry: %w", err)
	}

	r.log.Info("retried pending work",
		"uploaded", report.Uploaded, "deleted", report.Deleted, "failed", report.Failed,
		"duration", time.Since(start))
	if firstRemote != nil {
		return report, fmt.Errorf("failed to sync %d pending changes: %w", report.Failed, firstRemote)
	}
	return report, nil
}

// Close stops accepting background work and waits for what is in flight.
// If ctx ends first the remaining work is cancelled.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Repository) spawn(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
	return true
}

// push uploads rec and stores the backend's canonical copy under the local
// ID. remoteErr reports an upload the backend did not take; err reports a
// local failure while converging.
func (r *Repository) push(ctx context.Context, rec models.RunRecord, mapSnapshot []byte) (stored models.RunRecord, remoteErr, err error) {
	uctx, cancel := context.WithTimeout(ctx, r.uploadTimeout)
	canonical, remoteErr := r.remote.UploadRun(uctx, rec, mapSnapshot)
	cancel()

	if remoteErr != nil {
		kind, _ := dataerr.NetworkKindOf(remoteErr)
		if kind != dataerr.Conflict {
			r.remoteFailure("upload", remoteErr)
			return rec, remoteErr, nil
		}
		// The backend already has this run.
		canonical = rec
	}

	canonical.ID = rec.ID
	stored, err = r.local.MarkSynced(ctx, canonical)
	if errors.Is(err, dataerr.ErrRunNotFound) {
		// Deleted while uploading: the backend may have taken the upload
		// after the delete, so delete it there again.
		r.log.Info("run deleted during upload", "id", rec.ID)
		if err := r.deleteRemote(ctx, rec.ID); dataerr.IsLocal(err) {
			return rec, nil, err
		}
		return rec, nil, nil
	}
	if err != nil {
		return rec, nil, fmt.Errorf("failed to store uploaded run: %w", err)
	}
	metrics.RunsUploaded.Inc()
	return stored, nil, nil
}

// deleteRemote deletes id on the backend and clears its tombstone. A run
// the backend does not know counts as deleted.
func (r *Repository) deleteRemote(ctx context.Context, id string) error {
	dctx, cancel := context.WithTimeout(ctx, r.uploadTimeout)
	err := r.remote.DeleteRun(dctx, id)
	cancel()

	if err != nil {
		if kind, _ := dataerr.NetworkKindOf(err); kind != dataerr.NotFound {
			r.remoteFailure("delete", err)
			return err
		}
	}
	if err := r.local.RemovePendingDelete(ctx, id); err != nil {
		return fmt.Errorf("failed to clear pending delete: %w", err)
	}
	return nil
}

func (r *Repository) remoteFailure(op string, err error) {
	kind, ok := dataerr.NetworkKindOf(err)
	if !ok && errors.Is(err, context.Canceled) {
		return
	}
	metrics.RemoteFailures.WithLabelValues(op, kind.String()).Inc()
	r.log.Warn("remote call failed", "op", op, "kind", kind.String(), "error", err)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/sitescan/internal/common"
	"github.com/jo-hoe/sitescan/internal/config"
	"github.com/jo-hoe/sitescan/internal/recon"
	"github.com/jo-hoe/sitescan/internal/store"
)

const resultArtifactMissing = "artifact missing"

// Worker is the per-process reconstruction loop. It polls the shared store
// for runnable jobs, claims each one atomically, dispatches to a provider,
// and writes results back through the store. Other processes may run their
// own Worker against the same store file; the claim decides who executes.
type Worker struct {
	log       *slog.Logger
	store     *store.Store
	providers *recon.Registry

	claimBatch    int
	idleInterval  time.Duration
	batchInterval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

func New(log *slog.Logger, st *store.Store, providers *recon.Registry, cfg config.WorkerConfig) *Worker {
	claim := cfg.ClaimBatch
	if claim <= 0 {
		claim = common.DefaultClaimBatch
	}
	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = 2 * time.Second
	}
	batch := cfg.BatchInterval
	if batch <= 0 {
		batch = time.Second
	}
	return &Worker{
		log:           log,
		store:         st,
		providers:     providers,
		claimBatch:    claim,
		idleInterval:  idle,
		batchInterval: batch,
	}
}

// Start launches the loop goroutine. Only one loop runs per Worker; a second
// Start is an error so process initialization cannot spawn duplicates.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("worker already started")
	}
	w.started = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Wait blocks until the loop has exited after context cancellation.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	w.log.Info("worker loop starting", "claim_batch", w.claimBatch)
	for {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Debug("worker stopping due to context cancellation")
				return
			}
			w.log.Error("poll jobs", "err", err)
		}
		pause := w.batchInterval
		if processed == 0 {
			pause = w.idleInterval
		}
		select {
		case <-ctx.Done():
			w.log.Debug("worker stopping due to context cancellation")
			return
		case <-time.After(pause):
		}
	}
}

// RunOnce drains a single poll: it claims and processes up to claimBatch
// jobs and returns how many attempts it executed. Used by the loop and by
// callers that need synchronous draining.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimPending(w.claimBatch)
	if err != nil {
		return 0, fmt.Errorf("claim pending: %w", err)
	}
	processed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if job.Status != store.StatusPending {
			// Already running: owned by some worker's in-flight attempt.
			continue
		}
		won, err := w.store.ClaimJob(job.ID)
		if err != nil {
			w.log.Error("claim job", "job_id", job.ID, "err", err)
			continue
		}
		if !won {
			// Another worker, possibly in another process, got there first.
			continue
		}
		w.process(ctx, job)
		processed++
	}
	return processed, nil
}

// process runs one claimed job to a terminal state. Every failure path ends
// in a failed status with a diagnostic result; nothing propagates out.
func (w *Worker) process(ctx context.Context, job store.Job) {
	log := w.log.With("job_id", job.ID, "artifact_id", job.ArtifactID)
	start := time.Now()

	rec, err := w.store.GetArtifact(job.ArtifactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.fail(job.ID, resultArtifactMissing)
			log.Warn("job failed", "reason", resultArtifactMissing)
		} else {
			w.fail(job.ID, fmt.Sprintf("load artifact: %v", err))
			log.Warn("job failed", "reason", err)
		}
		return
	}

	method, _ := job.Params["method"].(string)
	provider, resolved, err := w.providers.Resolve(method)
	if err != nil {
		w.fail(job.ID, err.Error())
		log.Warn("job failed", "reason", err)
		return
	}

	checkpoint := 10
	if resolved == recon.MethodReplicate {
		checkpoint = 15
	}
	if _, err := w.store.UpdateJob(job.ID, store.JobUpdate{Progress: &checkpoint}); err != nil {
		log.Warn("progress checkpoint", "err", err)
	}

	outPath, err := w.dispatch(ctx, provider, rec.ImagePath, job.ArtifactID)
	if err != nil {
		w.fail(job.ID, err.Error())
		log.Warn("job failed", "method", resolved, "err", err, "duration", time.Since(start))
		return
	}
	if outPath == "" {
		w.fail(job.ID, "no result from provider")
		log.Warn("job failed", "method", resolved, "reason", "no result")
		return
	}

	rec.ReconstructionPath = outPath
	if err := w.store.UpsertArtifact(rec); err != nil {
		w.fail(job.ID, fmt.Sprintf("store reconstruction: %v", err))
		log.Error("store reconstruction", "err", err)
		return
	}

	succeeded := store.StatusSucceeded
	done := 100
	if _, err := w.store.UpdateJob(job.ID, store.JobUpdate{Status: &succeeded, Result: &outPath, Progress: &done}); err != nil {
		log.Error("mark succeeded", "err", err)
		return
	}
	log.Info("job succeeded", "method", resolved, "output", outPath, "duration", time.Since(start))
}

// dispatch invokes the provider, converting a panic in the attempt into an
// error so a single bad job cannot take the loop down.
func (w *Worker) dispatch(ctx context.Context, p recon.Provider, imagePath, artifactID string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return p.Reconstruct(ctx, imagePath, artifactID)
}

func (w *Worker) fail(jobID int64, msg string) {
	failed := store.StatusFailed
	if _, err := w.store.UpdateJob(jobID, store.JobUpdate{Status: &failed, Result: &msg}); err != nil {
		w.log.Error("mark failed", "job_id", jobID, "err", err)
	}
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// Worker is the one-shot shell: acquire a slot for its queue key, claim a
// single job, run the matching handler, and exit. The dispatcher spawns one
// per planned slot.
type Worker struct {
	Queue *pgq.Queue
	Slots *pgq.SlotStore

	Trial    *TrialHandler
	Analysis *AnalysisHandler
	Verdict  *VerdictHandler

	QueueLimit     func(string) int
	SlotLease      time.Duration
	JobTimeout     time.Duration
	DequeueTimeout time.Duration
	PollInterval   time.Duration
}

// RunOne processes at most one job on the given queue key. Returning nil with
// no job claimed is normal: the dispatcher simply tries again next cycle.
func (w *Worker) RunOne(ctx domain.Context, queueKey string) error {
	lg := observability.LoggerFromContext(ctx)
	workerID := uuid.New().String()

	slot, ok, err := w.Slots.Acquire(ctx, queueKey, w.QueueLimit(queueKey), workerID, w.SlotLease)
	if err != nil {
		return err
	}
	if !ok {
		lg.Info("no slot available", "queue_key", queueKey)
		return nil
	}
	defer func() {
		// Release on a fresh context: the job context may be done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := w.Slots.Release(rctx, queueKey, slot, workerID); err != nil {
			lg.Warn("slot release failed", "queue_key", queueKey, "slot", slot, "error", err)
		}
	}()

	job, ok, err := w.claim(ctx, queueKey)
	if err != nil {
		return err
	}
	if !ok {
		lg.Info("no job claimed before dequeue timeout", "queue_key", queueKey)
		return nil
	}

	jctx := observability.ContextWithJobID(ctx, fmt.Sprintf("%d", job.ID))
	jctx = observability.ContextWithLogger(jctx, lg.With(
		"job_id", job.ID, "job_type", string(job.Payload.JobType), "queue_key", queueKey))
	if w.JobTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(jctx, w.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	herr := w.dispatch(jctx, job)
	observability.JobDuration.WithLabelValues(string(job.Payload.JobType)).Observe(time.Since(start).Seconds())

	msg := ""
	if herr != nil {
		msg = herr.Error()
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.Queue.Complete(cctx, job, herr == nil, msg); err != nil {
		return err
	}
	return herr
}

// claim polls for one job until the short dequeue timeout elapses. A worker
// usually starts because the dispatcher saw a queued row, so the first poll
// almost always hits.
func (w *Worker) claim(ctx domain.Context, queueKey string) (pgq.Job, bool, error) {
	poll := w.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.Now().Add(w.DequeueTimeout)
	for {
		job, ok, err := w.Queue.ClaimOne(ctx, queueKey)
		if err != nil || ok {
			return job, ok, err
		}
		if time.Now().After(deadline) {
			return pgq.Job{}, false, nil
		}
		select {
		case <-ctx.Done():
			return pgq.Job{}, false, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (w *Worker) dispatch(ctx domain.Context, job pgq.Job) error {
	switch job.Payload.JobType {
	case pgq.JobTrial:
		return w.Trial.Handle(ctx, job.Payload.TrialID)
	case pgq.JobAnalysis:
		return w.Analysis.Handle(ctx, job.Payload.TrialID)
	case pgq.JobVerdict:
		return w.Verdict.Handle(ctx, job.Payload.TaskID)
	default:
		return fmt.Errorf("op=worker.dispatch unknown job_type %q: %w", job.Payload.JobType, domain.ErrInvalidArgument)
	}
}

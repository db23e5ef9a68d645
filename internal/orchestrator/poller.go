package orchestrator

import (
	"context"
	"math"
	"time"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/models"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/provider"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

// backoffDelay returns the wait before the next poll after attempt n.
// Exponential from PollBase by PollFactor, never exceeding PollCap.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(o.cfg.PollBase) * math.Pow(o.cfg.PollFactor, float64(attempt))
	if delay > float64(o.cfg.PollCap) {
		return o.cfg.PollCap
	}
	return time.Duration(delay)
}

// dispatchLoop scans for processing jobs whose next poll is due and
// hands each to its own goroutine. A job already in flight is skipped;
// single-flight per job is the ordering guarantee.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Poll dispatcher stopping due to context cancellation")
			return
		case <-o.stopCh:
			o.logger.Info("Poll dispatcher stopping")
			return
		case <-ticker.C:
			o.dispatchDueJobs(ctx)
		}
	}
}

func (o *Orchestrator) dispatchDueJobs(ctx context.Context) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE status = $1 AND next_poll_at <= NOW()
		ORDER BY next_poll_at ASC
		LIMIT 50
	`, models.StatusProcessing)
	if err != nil {
		o.logger.WithError(err).Error("Failed to query due jobs")
		return
	}
	defer rows.Close() //nolint:errcheck

	var due []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			o.logger.WithError(err).Error("Failed to scan due job")
			continue
		}
		due = append(due, *job)
	}

	for i := range due {
		job := due[i]
		if !o.claim(job.ID) {
			continue
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.release(job.ID)
			o.pollJob(ctx, &job)
		}()
	}
}

func (o *Orchestrator) claim(jobID string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, busy := o.inflight[jobID]; busy {
		return false
	}
	o.inflight[jobID] = struct{}{}
	return true
}

func (o *Orchestrator) release(jobID string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, jobID)
}

// pollJob runs one poll cycle for a processing job: cancellation check,
// ceiling check, provider status fetch, then either a terminal
// transition or a rescheduled poll. Transient provider errors consume
// the same attempt budget as successful non-terminal polls.
func (o *Orchestrator) pollJob(ctx context.Context, job *models.GenerationJob) {
	log := o.logger.WithFields(logging.Fields{
		"job_id":  job.ID,
		"attempt": job.AttemptCount,
	})

	if job.CancelRequested {
		o.failJob(ctx, job.ID, models.ReasonCancelled)
		return
	}

	if job.AttemptCount >= o.cfg.MaxPollAttempts || time.Since(job.CreatedAt) > o.cfg.PollCeiling {
		log.Warn("Job exceeded poll ceiling")
		o.failJob(ctx, job.ID, models.ReasonTimeout)
		return
	}

	if job.RemoteTaskID == nil {
		// Processing without a task id means a half-committed
		// submission; it cannot be polled or resumed.
		log.Error("Processing job has no remote task id")
		o.failJob(ctx, job.ID, models.ReasonSubmissionError)
		return
	}

	if o.metrics != nil {
		o.metrics.PollsTotal.Inc()
	}
	start := time.Now()
	status, err := o.provider.Status(ctx, *job.RemoteTaskID)
	if o.metrics != nil {
		o.metrics.ProviderLatency.WithLabelValues("status").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// A slow provider and an unresponsive one look the same to
		// the user, so errors consume the poll budget like any other
		// non-terminal observation.
		log.WithError(err).Warn("Status poll failed")
		o.reschedule(ctx, job)
		return
	}

	switch status.Status {
	case provider.TaskSucceeded:
		o.completeJob(ctx, job, status.ResultURL)
	case provider.TaskFailed:
		if status.Error != nil {
			log.WithField("provider_error", *status.Error).Info("Provider reported failure")
		}
		o.failJob(ctx, job.ID, models.ReasonProviderFailure)
	default:
		// PENDING, RUNNING, and anything the provider invents later.
		o.advanceProgress(ctx, job, status.Progress)
		o.reschedule(ctx, job)
	}
}

// advanceProgress propagates provider progress, clamped so it never
// decreases within a job's lifetime.
func (o *Orchestrator) advanceProgress(ctx context.Context, job *models.GenerationJob, progress int) {
	var updated int
	err := o.db.QueryRowContext(ctx, `
		UPDATE generation_jobs
		SET progress = GREATEST(progress, $1), updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING progress
	`, progress, job.ID, models.StatusProcessing).Scan(&updated)
	if err != nil {
		o.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to update progress")
		return
	}
	if updated != job.Progress {
		o.notify(job.ID, job.OwnerID, models.StatusProcessing, models.StatusProcessing, updated, nil, nil)
	}
}

// reschedule books the next poll and charges one attempt.
func (o *Orchestrator) reschedule(ctx context.Context, job *models.GenerationJob) {
	next := time.Now().UTC().Add(o.backoffDelay(job.AttemptCount + 1))
	if _, err := o.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET attempt_count = attempt_count + 1, next_poll_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, next, job.ID, models.StatusProcessing); err != nil {
		o.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to schedule next poll")
	}
}

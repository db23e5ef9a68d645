package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/ledger"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/models"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

// completeJob commits the successful terminal transition. A completed
// job keeps its debit; no refund path exists from here. A success
// report with no artifact URL is treated as a provider failure so
// every completed job carries a playable result.
func (o *Orchestrator) completeJob(ctx context.Context, job *models.GenerationJob, resultURL *string) {
	if resultURL == nil || *resultURL == "" {
		o.logger.WithField("job_id", job.ID).Error("Provider reported success without a result URL")
		o.failJob(ctx, job.ID, models.ReasonProviderFailure)
		return
	}

	res, err := o.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, progress = 100, result_video_url = $2, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5)
	`, models.StatusCompleted, resultURL, job.ID, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		o.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to complete job")
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return
	}

	o.logger.WithFields(logging.Fields{
		"job_id":   job.ID,
		"owner_id": job.OwnerID,
	}).Info("Generation job completed")
	if o.metrics != nil {
		o.metrics.JobsCompleted.Inc()
	}
	o.notify(job.ID, job.OwnerID, models.StatusProcessing, models.StatusCompleted, 100, resultURL, nil)
}

// failJob commits the failed terminal transition and applies the refund.
// Safe to call multiple times and safe to re-run after a crash: the
// status guard makes the transition fire once, and the ledger's unique
// refund constraint makes the credit fire once. A crash between the two
// is healed because the refund alone is idempotent, so failJob can be
// retried until both halves have happened.
func (o *Orchestrator) failJob(ctx context.Context, jobID, reason string) {
	row := o.db.QueryRowContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, error_reason = $2, updated_at = NOW()
		FROM (SELECT status AS prev_status FROM generation_jobs WHERE id = $3) prev
		WHERE id = $3 AND generation_jobs.status NOT IN ($4, $5)
		RETURNING owner_id, progress, credit_transaction_id, prev.prev_status
	`, models.StatusFailed, reason, jobID, models.StatusCompleted, models.StatusFailed)

	var ownerID string
	var progress int
	var creditTxID *string
	var oldStatus string
	err := row.Scan(&ownerID, &progress, &creditTxID, &oldStatus)
	if err == sql.ErrNoRows {
		// Already terminal. Still make sure the refund landed in case
		// a previous run crashed between transition and refund.
		o.refundIfOwed(ctx, jobID)
		return
	}
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to fail job")
		return
	}

	o.logger.WithFields(logging.Fields{
		"job_id":   jobID,
		"owner_id": ownerID,
		"reason":   reason,
	}).Info("Generation job failed")
	if o.metrics != nil {
		o.metrics.JobsFailed.WithLabelValues(reason).Inc()
	}

	if creditTxID != nil {
		o.refund(ctx, ownerID, jobID, *creditTxID)
	}

	reasonCopy := reason
	o.notify(jobID, ownerID, oldStatus, models.StatusFailed, progress, nil, &reasonCopy)
}

// refund re-credits the amount of the job's funding debit.
func (o *Orchestrator) refund(ctx context.Context, ownerID, jobID, creditTxID string) {
	var amount int
	err := o.db.QueryRowContext(ctx, `
		SELECT -delta FROM credit_ledger WHERE id = $1
	`, creditTxID).Scan(&amount)
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to load debit amount for refund")
		return
	}

	_, err = o.ledger.Refund(ctx, ownerID, amount, jobID)
	if errors.Is(err, ledger.ErrRefundAlreadyApplied) {
		return
	}
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to apply refund")
		return
	}
	if o.metrics != nil {
		o.metrics.RefundsTotal.Inc()
	}
}

// refundIfOwed applies the refund for an already-failed job if a debit
// exists and no refund does yet.
func (o *Orchestrator) refundIfOwed(ctx context.Context, jobID string) {
	var ownerID string
	var creditTxID *string
	err := o.db.QueryRowContext(ctx, `
		SELECT owner_id, credit_transaction_id FROM generation_jobs WHERE id = $1 AND status = $2
	`, jobID, models.StatusFailed).Scan(&ownerID, &creditTxID)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to check refund debt")
		return
	}
	if creditTxID == nil {
		return
	}
	o.refund(ctx, ownerID, jobID, *creditTxID)
}

// recover re-examines every non-terminal job left over from a previous
// process. A job with a remote task id resumes polling immediately; the
// provider is the source of truth for its existence. A job without one
// died mid-upload and cannot be resumed, so it is failed and refunded.
func (o *Orchestrator) recover(ctx context.Context) error {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, remote_task_id, status
		FROM generation_jobs
		WHERE status IN ($1, $2, $3)
	`, models.StatusPending, models.StatusUploading, models.StatusProcessing)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck

	type leftover struct {
		id           string
		remoteTaskID *string
		status       string
	}
	var found []leftover
	for rows.Next() {
		var j leftover
		if err := rows.Scan(&j.id, &j.remoteTaskID, &j.status); err != nil {
			o.logger.WithError(err).Error("Failed to scan leftover job")
			continue
		}
		found = append(found, j)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(found) == 0 {
		return nil
	}
	o.logger.WithField("count", len(found)).Info("Recovering jobs from previous run")

	for _, j := range found {
		if j.remoteTaskID != nil {
			if _, err := o.db.ExecContext(ctx, `
				UPDATE generation_jobs SET next_poll_at = NOW(), updated_at = NOW() WHERE id = $1
			`, j.id); err != nil {
				o.logger.WithError(err).WithField("job_id", j.id).Error("Failed to reschedule recovered job")
			}
			continue
		}
		o.failJob(ctx, j.id, models.ReasonUploadError)
	}
	return nil
}

// sweepLoop periodically rescues processing jobs whose scheduled poll
// went stale, which happens when a poll goroutine was lost without
// rescheduling. It also sweeps failed jobs still owed a refund.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Sweeper stopping due to context cancellation")
			return
		case <-o.stopCh:
			o.logger.Info("Sweeper stopping")
			return
		case <-ticker.C:
			o.sweepStalePolls(ctx)
			o.sweepOwedRefunds(ctx)
		}
	}
}

func (o *Orchestrator) sweepStalePolls(ctx context.Context) {
	staleAfter := 2 * o.cfg.PollCap
	res, err := o.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET next_poll_at = NOW(), updated_at = NOW()
		WHERE status = $1 AND next_poll_at < NOW() - ($2 * INTERVAL '1 second')
	`, models.StatusProcessing, int(staleAfter.Seconds()))
	if err != nil {
		o.logger.WithError(err).Error("Failed to sweep stale polls")
		return
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		o.logger.WithField("count", affected).Warn("Rescheduled stale processing jobs")
	}
}

// sweepOwedRefunds finds failed funded jobs with no refund entry and
// settles them. Catches crashes that landed between the status write
// and the ledger write.
func (o *Orchestrator) sweepOwedRefunds(ctx context.Context) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT j.id
		FROM generation_jobs j
		WHERE j.status = $1
		  AND j.credit_transaction_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM credit_ledger e
			WHERE e.related_job_id = j.id AND e.reason = $2
		  )
		LIMIT 50
	`, models.StatusFailed, models.LedgerReasonRefund)
	if err != nil {
		o.logger.WithError(err).Error("Failed to query owed refunds")
		return
	}
	defer rows.Close() //nolint:errcheck

	var owed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		owed = append(owed, id)
	}

	for _, jobID := range owed {
		o.refundIfOwed(ctx, jobID)
	}
}

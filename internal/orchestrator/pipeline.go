package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/models"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/provider"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/storage"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

// runPipeline carries a freshly funded job through upload and submission.
// Any failure here fails the job and refunds the debit; a submitted job
// is handed to the poll dispatcher by entering processing.
func (o *Orchestrator) runPipeline(ctx context.Context, job *models.GenerationJob, photo []byte, contentType string) {
	if o.metrics != nil {
		o.metrics.JobsInFlight.Inc()
		defer o.metrics.JobsInFlight.Dec()
	}
	log := o.logger.WithFields(logging.Fields{
		"job_id":   job.ID,
		"owner_id": job.OwnerID,
	})

	objectName, err := o.store.UploadSourcePhoto(ctx, job.OwnerID, job.ID, contentType, bytes.NewReader(photo), int64(len(photo)))
	if err != nil {
		var typeErr *storage.ErrUnsupportedContentType
		if errors.As(err, &typeErr) {
			log.WithError(err).Warn("Source photo rejected")
		} else {
			log.WithError(err).Error("Photo upload failed after retries")
		}
		o.failJob(ctx, job.ID, models.ReasonUploadError)
		return
	}

	imageURL, err := o.store.PresignedURL(ctx, objectName)
	if err != nil {
		log.WithError(err).Error("Failed to mint image URL")
		o.failJob(ctx, job.ID, models.ReasonUploadError)
		return
	}

	if _, err := o.db.ExecContext(ctx, `
		UPDATE generation_jobs SET remote_image_url = $1, updated_at = NOW() WHERE id = $2
	`, imageURL, job.ID); err != nil {
		log.WithError(err).Error("Failed to persist remote image URL")
		o.failJob(ctx, job.ID, models.ReasonUploadError)
		return
	}

	// A cancel issued during upload takes effect before submission so
	// the provider never sees the task.
	if cancelled, err := o.cancelRequested(ctx, job.ID); err == nil && cancelled {
		o.failJob(ctx, job.ID, models.ReasonCancelled)
		return
	}

	start := time.Now()
	taskID, err := o.provider.Submit(ctx, imageURL, provider.SubmitOptions{
		Prompt:     job.Prompt,
		Style:      job.Style,
		Duration:   o.cfg.VideoDuration,
		Resolution: o.cfg.VideoResolution,
	})
	if o.metrics != nil {
		o.metrics.ProviderLatency.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && apiErr.IsTerminal() {
			log.WithError(err).Warn("Provider rejected submission")
		} else {
			log.WithError(err).Error("Submission failed after retries")
		}
		o.failJob(ctx, job.ID, models.ReasonSubmissionError)
		return
	}

	firstPoll := time.Now().UTC().Add(o.cfg.PollBase)
	if _, err := o.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, remote_task_id = $2, attempt_count = 0, next_poll_at = $3, updated_at = NOW()
		WHERE id = $4
	`, models.StatusProcessing, taskID, firstPoll, job.ID); err != nil {
		log.WithError(err).Error("Failed to mark job processing")
		// The remote task exists but the row does not know it. The
		// sweeper cannot rescue a job without a remote_task_id, so
		// fail closed and refund rather than strand the debit.
		o.failJob(ctx, job.ID, models.ReasonSubmissionError)
		return
	}

	log.WithField("remote_task_id", taskID).Info("Job submitted to provider")
	o.notify(job.ID, job.OwnerID, models.StatusUploading, models.StatusProcessing, 0, nil, nil)
}

func (o *Orchestrator) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := o.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM generation_jobs WHERE id = $1
	`, jobID).Scan(&cancelled)
	return cancelled, err
}

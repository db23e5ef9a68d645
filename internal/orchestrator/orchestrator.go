// Package orchestrator drives generation jobs from funded request to
// terminal state: debit, upload, submission, polling, reconciliation,
// and exactly-once refunds. It is the only writer of job status.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/ledger"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/models"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/provider"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/storage"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

var (
	ErrJobNotFound  = errors.New("generation job not found")
	ErrJobTerminal  = errors.New("generation job already in a terminal state")
	ErrPhotoInvalid = errors.New("source photo rejected")
)

// ObjectStore is the slice of the upload gateway the orchestrator needs.
type ObjectStore interface {
	UploadSourcePhoto(ctx context.Context, ownerID, jobID, contentType string, r io.Reader, size int64) (string, error)
	PresignedURL(ctx context.Context, objectName string) (string, error)
}

// SynthesisClient is the slice of the provider API the orchestrator needs.
type SynthesisClient interface {
	Submit(ctx context.Context, imageURL string, opts provider.SubmitOptions) (string, error)
	Status(ctx context.Context, taskID string) (*provider.TaskStatus, error)
}

// Publisher receives every state transition the reconciler commits.
type Publisher interface {
	Notify(change models.JobStateChange)
}

// Config tunes polling, retry ceilings, and job pricing.
type Config struct {
	// CreditCost is the number of credits debited per generation job.
	CreditCost int

	// Poll backoff: delay starts at PollBase, multiplies by PollFactor
	// after each attempt, and never exceeds PollCap.
	PollBase   time.Duration
	PollFactor float64
	PollCap    time.Duration

	// Liveness ceiling: a job still not terminal after PollCeiling of
	// wall time or MaxPollAttempts polls is failed with Timeout.
	PollCeiling     time.Duration
	MaxPollAttempts int

	// DispatchInterval is how often due jobs are scanned for polling.
	DispatchInterval time.Duration

	// SweepInterval is how often stuck processing jobs are rescued.
	SweepInterval time.Duration

	// Defaults passed to the provider on submission.
	VideoDuration   int
	VideoResolution string
}

// DefaultConfig returns the production polling policy.
func DefaultConfig() Config {
	return Config{
		CreditCost:       1,
		PollBase:         5 * time.Second,
		PollFactor:       1.5,
		PollCap:          60 * time.Second,
		PollCeiling:      30 * time.Minute,
		MaxPollAttempts:  120,
		DispatchInterval: time.Second,
		SweepInterval:    time.Minute,
		VideoDuration:    8,
		VideoResolution:  "720p",
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.CreditCost <= 0 {
		cfg.CreditCost = def.CreditCost
	}
	if cfg.PollBase <= 0 {
		cfg.PollBase = def.PollBase
	}
	if cfg.PollFactor <= 1 {
		cfg.PollFactor = def.PollFactor
	}
	if cfg.PollCap < cfg.PollBase {
		cfg.PollCap = def.PollCap
	}
	if cfg.PollCeiling <= 0 {
		cfg.PollCeiling = def.PollCeiling
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.VideoDuration <= 0 {
		cfg.VideoDuration = def.VideoDuration
	}
	if cfg.VideoResolution == "" {
		cfg.VideoResolution = def.VideoResolution
	}
	return cfg
}

// Orchestrator owns the generation job lifecycle.
type Orchestrator struct {
	db        *sql.DB
	ledger    *ledger.Ledger
	store     ObjectStore
	provider  SynthesisClient
	publisher Publisher
	metrics   *Metrics
	logger    logging.Logger
	cfg       Config

	stopCh chan struct{}
	wg     sync.WaitGroup

	// inflight guards single-flight per job: a job is never polled
	// again before its previous poll resolves.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(db *sql.DB, lg *ledger.Ledger, store ObjectStore, synth SynthesisClient, publisher Publisher, metrics *Metrics, logger logging.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		db:        db,
		ledger:    lg,
		store:     store,
		provider:  synth,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		cfg:       normalizeConfig(cfg),
		stopCh:    make(chan struct{}),
		inflight:  make(map[string]struct{}),
	}
}

// Start runs boot recovery, then the poll dispatcher and the stuck-job
// sweeper until the context is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info("Starting generation orchestrator")

	if err := o.recover(ctx); err != nil {
		o.logger.WithError(err).Error("Boot recovery pass failed")
	}

	o.wg.Add(2)
	go o.dispatchLoop(ctx)
	go o.sweepLoop(ctx)
}

// Stop halts the background loops and waits for in-flight work.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

// CreateParams carries everything needed to start a generation job.
type CreateParams struct {
	OwnerID     string
	PetID       *string
	Prompt      string
	Style       string
	Photo       []byte
	ContentType string
}

// createRetryLimit bounds re-runs of the funding transaction when
// Postgres aborts one side of a concurrent-debit race with a
// serialization failure (SQLSTATE 40001).
const createRetryLimit = 3

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

// CreateJob atomically debits the owner and creates a funded job, then
// starts the upload/submit pipeline in the background. If the debit
// fails no job row survives; the caller sees InsufficientBalance and
// nothing else changed.
func (o *Orchestrator) CreateJob(ctx context.Context, p CreateParams) (*models.GenerationJob, error) {
	if len(p.Photo) == 0 {
		return nil, fmt.Errorf("%w: empty photo", ErrPhotoInvalid)
	}

	jobID := uuid.New().String()
	objectName := storage.ObjectName(p.OwnerID, jobID, p.ContentType)

	var txID string
	for attempt := 0; ; attempt++ {
		var err error
		txID, err = o.createFundedJob(ctx, p, jobID, objectName)
		if err == nil {
			break
		}
		// The loser of a concurrent debit aborts with 40001; re-running
		// the transaction re-reads the balance, so the retry resolves to
		// either a funded job or ErrInsufficientBalance.
		if isSerializationFailure(err) && attempt < createRetryLimit {
			o.logger.WithFields(logging.Fields{
				"job_id":   jobID,
				"owner_id": p.OwnerID,
				"attempt":  attempt + 1,
			}).Warn("Job funding transaction serialization conflict, retrying")
			continue
		}
		return nil, err
	}

	o.logger.WithFields(logging.Fields{
		"job_id":   jobID,
		"owner_id": p.OwnerID,
		"cost":     o.cfg.CreditCost,
	}).Info("Generation job created")
	if o.metrics != nil {
		o.metrics.JobsCreated.Inc()
	}
	o.notify(jobID, p.OwnerID, models.StatusPending, models.StatusUploading, 0, nil, nil)

	job := &models.GenerationJob{
		ID:                  jobID,
		OwnerID:             p.OwnerID,
		PetID:               p.PetID,
		SourceImageRef:      objectName,
		Status:              models.StatusUploading,
		Prompt:              p.Prompt,
		Style:               p.Style,
		CreditTransactionID: &txID,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runPipeline(context.WithoutCancel(ctx), job, p.Photo, p.ContentType)
	}()

	return job, nil
}

// createFundedJob runs one attempt of the insert-debit-fund transaction.
// Serializable isolation makes concurrent debits of the same owner
// conflict instead of both reading the old balance.
func (o *Orchestrator) createFundedJob(ctx context.Context, p CreateParams, jobID, objectName string) (string, error) {
	tx, err := o.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	_, err = tx.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, owner_id, pet_id, source_image_ref, status, progress, prompt, style, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, NOW(), NOW())
	`, jobID, p.OwnerID, p.PetID, objectName, models.StatusPending, p.Prompt, p.Style)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	txID, err := o.ledger.DebitTx(ctx, tx, p.OwnerID, o.cfg.CreditCost, jobID)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = $1, credit_transaction_id = $2, updated_at = NOW()
		WHERE id = $3
	`, models.StatusUploading, txID, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to mark job uploading: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit job creation: %w", err)
	}
	return txID, nil
}

// Cancel flags a job for cancellation. A processing job is reconciled
// as failed/Cancelled on its next poll cycle; a job still uploading is
// cancelled before it would enter processing.
func (o *Orchestrator) Cancel(ctx context.Context, ownerID, jobID string) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET cancel_requested = TRUE, next_poll_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND status NOT IN ($3, $4)
	`, jobID, ownerID, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read cancellation result: %w", err)
	}
	if affected == 0 {
		// Either the job does not exist for this owner or it is
		// already terminal; distinguish for the caller.
		job, err := o.GetJob(ctx, ownerID, jobID)
		if err != nil {
			return err
		}
		if models.IsTerminal(job.Status) {
			return ErrJobTerminal
		}
		return ErrJobNotFound
	}

	o.logger.WithFields(logging.Fields{
		"job_id":   jobID,
		"owner_id": ownerID,
	}).Info("Cancellation requested")
	return nil
}

const jobColumns = `id, owner_id, pet_id, source_image_ref, remote_image_url, remote_task_id,
	status, progress, result_video_url, error_reason, credit_transaction_id,
	prompt, style, cancel_requested, attempt_count, next_poll_at, created_at, updated_at`

func scanJob(row interface{ Scan(dest ...any) error }) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.PetID, &j.SourceImageRef, &j.RemoteImageURL, &j.RemoteTaskID,
		&j.Status, &j.Progress, &j.ResultVideoURL, &j.ErrorReason, &j.CreditTransactionID,
		&j.Prompt, &j.Style, &j.CancelRequested, &j.AttemptCount, &j.NextPollAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob returns one of the owner's jobs.
func (o *Orchestrator) GetJob(ctx context.Context, ownerID, jobID string) (*models.GenerationJob, error) {
	row := o.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE id = $1 AND owner_id = $2
	`, jobID, ownerID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first, terminal included.
func (o *Orchestrator) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]models.GenerationJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := o.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (o *Orchestrator) notify(jobID, ownerID, oldStatus, newStatus string, progress int, resultURL, errorReason *string) {
	if o.publisher == nil {
		return
	}
	o.publisher.Notify(models.JobStateChange{
		JobID:       jobID,
		OwnerID:     ownerID,
		OldStatus:   oldStatus,
		NewStatus:   newStatus,
		Progress:    progress,
		ResultURL:   resultURL,
		ErrorReason: errorReason,
		Timestamp:   time.Now().UTC(),
	})
}

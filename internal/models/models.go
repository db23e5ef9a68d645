// Package models defines the persisted records owned by the generation
// orchestrator: jobs, ledger entries, and redeem codes.
package models

import (
	"time"
)

// Job statuses. A job moves pending → uploading → processing and terminates
// in completed or failed; terminal rows are kept for history, never deleted.
const (
	StatusPending    = "pending"
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Failure reasons surfaced to the owner via errorReason.
const (
	ReasonInsufficientBalance = "InsufficientBalance"
	ReasonUploadError         = "UploadError"
	ReasonSubmissionError     = "SubmissionError"
	ReasonProviderFailure     = "ProviderFailure"
	ReasonTimeout             = "Timeout"
	ReasonCancelled           = "Cancelled"
)

// Ledger entry reasons.
const (
	LedgerReasonPurchase   = "purchase"
	LedgerReasonRedeemCode = "redeem_code"
	LedgerReasonDebit      = "generation_debit"
	LedgerReasonRefund     = "generation_refund"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// GenerationJob is the unit of work: one funded photo→video synthesis run.
type GenerationJob struct {
	ID                  string     `json:"id" db:"id"`
	OwnerID             string     `json:"owner_id" db:"owner_id"`
	PetID               *string    `json:"pet_id,omitempty" db:"pet_id"`
	SourceImageRef      string     `json:"source_image_ref" db:"source_image_ref"`
	RemoteImageURL      *string    `json:"remote_image_url,omitempty" db:"remote_image_url"`
	RemoteTaskID        *string    `json:"remote_task_id,omitempty" db:"remote_task_id"`
	Status              string     `json:"status" db:"status"`
	Progress            int        `json:"progress" db:"progress"`
	ResultVideoURL      *string    `json:"result_video_url,omitempty" db:"result_video_url"`
	ErrorReason         *string    `json:"error_reason,omitempty" db:"error_reason"`
	CreditTransactionID *string    `json:"credit_transaction_id,omitempty" db:"credit_transaction_id"`
	Prompt              string     `json:"prompt" db:"prompt"`
	Style               string     `json:"style" db:"style"`
	CancelRequested     bool       `json:"-" db:"cancel_requested"`
	AttemptCount        int        `json:"-" db:"attempt_count"`
	NextPollAt          *time.Time `json:"-" db:"next_poll_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// CreditLedgerEntry is an immutable audit record of a balance change.
// An owner's balance is the sum of their entries; entries are append-only.
type CreditLedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Delta        int       `json:"delta" db:"delta"`
	Reason       string    `json:"reason" db:"reason"`
	RelatedJobID *string   `json:"related_job_id,omitempty" db:"related_job_id"`
	Reference    *string   `json:"reference,omitempty" db:"reference"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// RedeemCode is a finite-use promotional credit grant.
type RedeemCode struct {
	Code           string     `json:"code" db:"code"`
	CreditsGranted int        `json:"credits_granted" db:"credits_granted"`
	MaxUses        int        `json:"max_uses" db:"max_uses"`
	CurrentUses    int        `json:"current_uses" db:"current_uses"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// JobStateChange is the notification payload fanned out to subscribers
// whenever the reconciler writes a transition.
type JobStateChange struct {
	JobID       string    `json:"job_id"`
	OwnerID     string    `json:"owner_id"`
	OldStatus   string    `json:"old_status"`
	NewStatus   string    `json:"new_status"`
	Progress    int       `json:"progress"`
	ResultURL   *string   `json:"result_url,omitempty"`
	ErrorReason *string   `json:"error_reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

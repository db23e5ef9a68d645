// Package handlers exposes the HTTP surface: generation jobs, credits,
// redeem codes, purchases, and the live state-change socket.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/ledger"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/models"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/notifier"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/orchestrator"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/purchase"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/internal/storage"
	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/logging"
)

var (
	logger   logging.Logger
	orch     *orchestrator.Orchestrator
	credits  *ledger.Ledger
	verifier *purchase.Verifier
	hub      *notifier.Hub
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Init wires the handlers to their collaborators.
func Init(log logging.Logger, o *orchestrator.Orchestrator, l *ledger.Ledger, v *purchase.Verifier, h *notifier.Hub) {
	logger = log
	orch = o
	credits = l
	verifier = v
	hub = h
}

func ownerID(c *gin.Context) string {
	return c.GetString("owner_id")
}

// CreateGeneration accepts a multipart photo plus prompt/style fields,
// debits one credit, and starts the generation pipeline.
func CreateGeneration(c *gin.Context) {
	fileHeader, err := c.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "photo file is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read photo"})
		return
	}
	defer file.Close() //nolint:errcheck

	photo, err := io.ReadAll(io.LimitReader(file, storage.MaxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read photo"})
		return
	}
	if len(photo) > storage.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "photo exceeds maximum size"})
		return
	}

	var petID *string
	if v := c.PostForm("pet_id"); v != "" {
		petID = &v
	}

	job, err := orch.CreateJob(c.Request.Context(), orchestrator.CreateParams{
		OwnerID:     ownerID(c),
		PetID:       petID,
		Prompt:      c.PostForm("prompt"),
		Style:       c.PostForm("style"),
		Photo:       photo,
		ContentType: fileHeader.Header.Get("Content-Type"),
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: "insufficient credit balance"})
		case errors.Is(err, orchestrator.ErrPhotoInvalid):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "photo rejected"})
		default:
			logger.WithError(err).Error("Failed to create generation job")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create generation"})
		}
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetGeneration returns one of the caller's jobs.
func GetGeneration(c *gin.Context) {
	job, err := orch.GetJob(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "generation not found"})
			return
		}
		logger.WithError(err).Error("Failed to load generation job")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load generation"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListGenerations returns the caller's job history, newest first.
func ListGenerations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, err := orch.ListJobs(c.Request.Context(), ownerID(c), limit, offset)
	if err != nil {
		logger.WithError(err).Error("Failed to list generation jobs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list generations"})
		return
	}
	if jobs == nil {
		jobs = []models.GenerationJob{}
	}
	c.JSON(http.StatusOK, gin.H{"generations": jobs})
}

// CancelGeneration flags a job for cancellation.
func CancelGeneration(c *gin.Context) {
	err := orch.Cancel(c.Request.Context(), ownerID(c), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancellation_requested"})
	case errors.Is(err, orchestrator.ErrJobNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "generation not found"})
	case errors.Is(err, orchestrator.ErrJobTerminal):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "generation already finished"})
	default:
		logger.WithError(err).Error("Failed to cancel generation job")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to cancel generation"})
	}
}

// GetBalance returns the caller's current credit balance.
func GetBalance(c *gin.Context) {
	balance, err := credits.Balance(c.Request.Context(), ownerID(c))
	if err != nil {
		logger.WithError(err).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetLedger returns the caller's ledger history, newest first.
func GetLedger(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := credits.Entries(c.Request.Context(), ownerID(c), limit, offset)
	if err != nil {
		logger.WithError(err).Error("Failed to read ledger entries")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read ledger"})
		return
	}
	if entries == nil {
		entries = []models.CreditLedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// RedeemCode applies a promotional code for the caller.
func RedeemCode(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "code is required"})
		return
	}

	granted, err := credits.Redeem(c.Request.Context(), ownerID(c), req.Code)
	switch {
	case err == nil:
		balance, balErr := credits.Balance(c.Request.Context(), ownerID(c))
		if balErr != nil {
			logger.WithError(balErr).Error("Failed to read balance after redeem")
		}
		c.JSON(http.StatusOK, gin.H{"credits_granted": granted, "balance": balance})
	case errors.Is(err, ledger.ErrCodeNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "code not found"})
	case errors.Is(err, ledger.ErrCodeExpired):
		c.JSON(http.StatusGone, ErrorResponse{Error: "code expired"})
	case errors.Is(err, ledger.ErrCodeExhausted):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "code exhausted"})
	case errors.Is(err, ledger.ErrCodeAlreadyRedeemed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "code already used"})
	default:
		logger.WithError(err).Error("Failed to redeem code")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to redeem code"})
	}
}

// PurchaseCredits verifies a platform receipt and credits the caller.
// The platform transaction id is the idempotency key: replaying the
// same receipt credits at most once.
func PurchaseCredits(c *gin.Context) {
	var req struct {
		Platform string `json:"platform" binding:"required"`
		Receipt  string `json:"receipt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "platform and receipt are required"})
		return
	}

	verified, err := verifier.Verify(c.Request.Context(), ownerID(c), req.Platform, req.Receipt)
	if err != nil {
		var rejected *purchase.ErrReceiptRejected
		if errors.As(err, &rejected) {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: rejected.Reason})
			return
		}
		logger.WithError(err).Error("Receipt verification failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "verification unavailable"})
		return
	}

	reference := verified.TransactionID
	if _, err := credits.Credit(c.Request.Context(), ownerID(c), verified.CreditsGranted, models.LedgerReasonPurchase, &reference); err != nil {
		logger.WithError(err).Error("Failed to credit purchase")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to credit purchase"})
		return
	}

	balance, err := credits.Balance(c.Request.Context(), ownerID(c))
	if err != nil {
		logger.WithError(err).Error("Failed to read balance after purchase")
	}
	c.JSON(http.StatusOK, gin.H{"credits_granted": verified.CreditsGranted, "balance": balance})
}

// HandleWS upgrades the connection for live job state changes.
func HandleWS(c *gin.Context) {
	hub.ServeWS(c.Writer, c.Request, ownerID(c))
}

// CreateRedeemCodeRequest is the admin payload for new codes.
type CreateRedeemCodeRequest struct {
	Code           string     `json:"code" binding:"required"`
	CreditsGranted int        `json:"credits_granted" binding:"required"`
	MaxUses        int        `json:"max_uses" binding:"required"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// CreateRedeemCode registers a promotional code. Service token only.
func CreateRedeemCode(c *gin.Context) {
	var req CreateRedeemCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "code, credits_granted, and max_uses are required"})
		return
	}

	if err := credits.CreateRedeemCode(c.Request.Context(), req.Code, req.CreditsGranted, req.MaxUses, req.ExpiresAt); err != nil {
		logger.WithError(err).Error("Failed to create redeem code")
		c.JSON(http.StatusConflict, ErrorResponse{Error: "failed to create redeem code"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"code": ledger.NormalizeCode(req.Code)})
}

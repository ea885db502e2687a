package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/reconcile"
	"otp-service/internal/repository/elastic"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

// OTPHandler handles HTTP requests for OTP issuance, verification and the
// maintenance endpoints.
type OTPHandler struct {
	otpService *service.OTPService
	jobs       *reconcile.Jobs
	audit      *elastic.AttemptAuditIndex
	logger     *zap.Logger
}

// NewOTPHandler creates a new OTP handler
func NewOTPHandler(otpService *service.OTPService, jobs *reconcile.Jobs, audit *elastic.AttemptAuditIndex, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		jobs:       jobs,
		audit:      audit,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(errMsg, message string) Response {
	return Response{
		Success: false,
		Error:   errMsg,
		Message: message,
	}
}

// IssueRequest is the POST /otp/issue body.
type IssueRequest struct {
	Recipient   string `json:"recipient"`
	Purpose     string `json:"purpose"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// VerifyRequest is the POST /otp/verify body.
type VerifyRequest struct {
	Recipient string `json:"recipient"`
	Purpose   string `json:"purpose"`
	Code      string `json:"code"`
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/issue", h.Issue)
		r.Post("/verify", h.Verify)
		r.Get("/resend-status", h.ResendStatus)
		r.Get("/stats", h.Statistics)
		r.Get("/attempts", h.SearchAttempts)
	})

	router.Route("/maintenance", func(r chi.Router) {
		r.Post("/expiry-sweep", h.RunExpirySweep)
		r.Post("/retention-cleanup", h.RunRetentionCleanup)
	})
}

// Issue handles code issuance
func (h *OTPHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body", "Invalid request body")
		return
	}

	purpose, err := model.ParsePurpose(req.Purpose)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error(), "Unknown purpose")
		return
	}

	meta := clientMeta(r)
	result, err := h.otpService.Issue(ctx, req.Recipient, purpose, meta, req.ExternalRef)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error(), "Failed to issue code")
		return
	}

	switch result.Outcome {
	case service.IssueOK:
		h.respondWithJSON(w, http.StatusCreated, successResponse(result, "Code issued"))
	case service.IssueCooldownActive:
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		h.respondWithJSON(w, http.StatusTooManyRequests, successResponse(result, "Cooldown active"))
	case service.IssueBadRecipient:
		h.respondWithJSON(w, http.StatusBadRequest, errorResponse("invalid recipient", "Invalid recipient"))
	}

	h.logger.Info("Issue handled via HTTP",
		util.String("outcome", string(result.Outcome)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Verify handles code verification
func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body", "Invalid request body")
		return
	}

	purpose, err := model.ParsePurpose(req.Purpose)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error(), "Unknown purpose")
		return
	}

	meta := clientMeta(r)
	result, err := h.otpService.Verify(ctx, req.Recipient, purpose, req.Code, meta)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error(), "Failed to verify code")
		return
	}

	h.respondWithJSON(w, verifyStatusCode(result.Outcome), successResponse(result, "Verification processed"))

	h.logger.Info("Verify handled via HTTP",
		util.String("outcome", string(result.Outcome)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// ResendStatus reports whether the cooldown window for the pair has passed
func (h *OTPHandler) ResendStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		h.respondWithError(w, http.StatusBadRequest, "recipient is required", "Missing recipient")
		return
	}
	purpose, err := model.ParsePurpose(r.URL.Query().Get("purpose"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error(), "Unknown purpose")
		return
	}

	status, err := h.otpService.CanResend(ctx, recipient, purpose)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error(), "Failed to check cooldown")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Cooldown status"))
}

// Statistics serves the windowed analytics rollup
func (h *OTPHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	windowHours := 24
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondWithError(w, http.StatusBadRequest, "invalid window_hours", "Invalid window")
			return
		}
		windowHours = parsed
	}
	recipient := r.URL.Query().Get("recipient")

	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	stats, err := h.otpService.Statistics(ctx, since, recipient)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error(), "Failed to load statistics")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Statistics"))
}

// SearchAttempts serves the operational attempt search backed by the audit
// index
func (h *OTPHandler) SearchAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.audit == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "audit index unavailable", "Audit index unavailable")
		return
	}

	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		h.respondWithError(w, http.StatusBadRequest, "recipient is required", "Missing recipient")
		return
	}

	size := 50
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			h.respondWithError(w, http.StatusBadRequest, "invalid size", "Invalid size")
			return
		}
		size = parsed
	}

	docs, err := h.audit.SearchByRecipient(ctx, util.NormalizeRecipient(recipient), size)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error(), "Failed to search attempts")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(docs, "Attempt records"))
}

// RunExpirySweep triggers one expiry sweep run
func (h *OTPHandler) RunExpirySweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	report, err := h.jobs.RunExpirySweep(ctx)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error(), "Expiry sweep failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(report, "Expiry sweep completed"))
	h.logger.Info("Expiry sweep triggered via HTTP",
		util.Int("expired", report.Expired),
		util.Duration("duration", time.Since(startTime)),
	)
}

// RunRetentionCleanup triggers one retention cleanup run; dry_run=true only
// counts
func (h *OTPHandler) RunRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	dryRun := r.URL.Query().Get("dry_run") == "true"

	report, err := h.jobs.RunRetentionCleanup(ctx, dryRun)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error(), "Retention cleanup failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(report, "Retention cleanup completed"))
	h.logger.Info("Retention cleanup triggered via HTTP",
		util.Bool("dry_run", dryRun),
		util.Int("deleted", report.Deleted),
		util.Duration("duration", time.Since(startTime)),
	)
}

// verifyStatusCode maps a verification outcome onto an HTTP status
func verifyStatusCode(outcome service.VerifyOutcome) int {
	switch outcome {
	case service.VerifyOK:
		return http.StatusOK
	case service.VerifyInvalidCode:
		return http.StatusUnprocessableEntity
	case service.VerifyNotFound:
		return http.StatusNotFound
	case service.VerifyExpired:
		return http.StatusGone
	case service.VerifyTooManyAttempts:
		return http.StatusTooManyRequests
	case service.VerifyInFlight:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// clientMeta pulls audit metadata off the request. RemoteAddr is already the
// real client IP thanks to the RealIP middleware.
func clientMeta(r *http.Request) model.ClientMeta {
	return model.ClientMeta{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, errMsg, message string) {
	h.logger.Warn("HTTP error response",
		util.String("error", errMsg),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(errMsg, message))
}

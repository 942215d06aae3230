package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atelierml/backend/internal/config"
	"github.com/atelierml/backend/internal/models"
	"github.com/atelierml/backend/internal/queue"
)

// Dedup event type keys. Progress callbacks are last-write-wins and are not
// deduped; the state machine is their only ordering defense.
const (
	eventTypeCompleted = "completed"
	eventTypeFailed    = "failed"
)

// WebhookService receives worker callbacks. Each callback runs as one
// transaction: dedup insert, job row lock, state transition and (on terminal
// failure) the refund commit together or not at all, so a crash mid-pipeline
// can never double-refund or lose state.
type WebhookService struct {
	db        *sql.DB
	ledger    *TokenLedgerService
	publisher queue.TaskPublisher
	notifier  Notifier
	jobsCfg   config.JobsConfig
	hookCfg   config.WebhookConfig
	dbCfg     config.DatabaseConfig
	log       *logrus.Logger
	validator *ValidationHelper
}

func NewWebhookService(db *sql.DB, ledger *TokenLedgerService, publisher queue.TaskPublisher, notifier Notifier, jobsCfg config.JobsConfig, hookCfg config.WebhookConfig, dbCfg config.DatabaseConfig, log *logrus.Logger) *WebhookService {
	return &WebhookService{
		db:        db,
		ledger:    ledger,
		publisher: publisher,
		notifier:  notifier,
		jobsCfg:   jobsCfg,
		hookCfg:   hookCfg,
		dbCfg:     dbCfg,
		log:       log,
		validator: NewValidationHelper(),
	}
}

type progressBody struct {
	CurrentStep      *int    `json:"current_step,omitempty"`
	TotalSteps       *int    `json:"total_steps,omitempty"`
	CurrentEpoch     *int    `json:"current_epoch,omitempty"`
	TotalEpochs      *int    `json:"total_epochs,omitempty"`
	ProgressPercent  float64 `json:"progress_percent"`
	EstimatedSeconds *int    `json:"estimated_seconds,omitempty"`
}

type progressPayload struct {
	TaskID   string       `json:"task_id" validate:"required"`
	JobID    int64        `json:"job_id,omitempty"`
	Progress progressBody `json:"progress"`
}

type completePayload struct {
	TaskID          string         `json:"task_id" validate:"required"`
	JobID           int64          `json:"job_id,omitempty"`
	ResultReference string         `json:"result_reference" validate:"required"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type failedPayload struct {
	TaskID       string `json:"task_id" validate:"required"`
	JobID        int64  `json:"job_id,omitempty"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    string `json:"error_code"`
	RetryCount   int    `json:"retry_count"`
}

// TrainingProgress updates training progress
// @Summary Training progress callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]bool
// @Failure 404 {object} ErrorResponse
// @Router /webhooks/training/progress [patch]
func (ws *WebhookService) TrainingProgress(w http.ResponseWriter, r *http.Request) {
	ws.handleProgress(w, r, models.JobTypeTraining)
}

// TrainingComplete records a finished training run
// @Summary Training completion callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]bool
// @Router /webhooks/training/complete [post]
func (ws *WebhookService) TrainingComplete(w http.ResponseWriter, r *http.Request) {
	ws.handleComplete(w, r, models.JobTypeTraining)
}

// TrainingFailed handles a training failure callback
// @Summary Training failure callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]bool
// @Router /webhooks/training/failed [post]
func (ws *WebhookService) TrainingFailed(w http.ResponseWriter, r *http.Request) {
	ws.handleFailed(w, r, models.JobTypeTraining)
}

// GenerationProgress updates generation progress
// @Summary Generation progress callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]bool
// @Router /webhooks/generation/progress [patch]
func (ws *WebhookService) GenerationProgress(w http.ResponseWriter, r *http.Request) {
	ws.handleProgress(w, r, models.JobTypeGeneration)
}

// GenerationComplete records a finished generation
// @Summary Generation completion callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]bool
// @Router /webhooks/generation/complete [post]
func (ws *WebhookService) GenerationComplete(w http.ResponseWriter, r *http.Request) {
	ws.handleComplete(w, r, models.JobTypeGeneration)
}

// GenerationFailed handles a generation failure callback
// @Summary Generation failure callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]bool
// @Router /webhooks/generation/failed [post]
func (ws *WebhookService) GenerationFailed(w http.ResponseWriter, r *http.Request) {
	ws.handleFailed(w, r, models.JobTypeGeneration)
}

func (ws *WebhookService) handleProgress(w http.ResponseWriter, r *http.Request, jobType models.JobType) {
	var payload progressPayload
	if err := DecodeJSONBody(w, r, &payload); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&payload); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	tx, err := ws.db.BeginTx(ctx, nil)
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if err := SetLockTimeout(ctx, tx, ws.dbCfg.LockTimeout); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	job, err := ws.lockJobByTask(ctx, tx, payload.TaskID, jobType)
	if errors.Is(err, ErrUnknownJob) {
		ws.logUnknownJob(payload.TaskID, "progress")
		SendErrorResponse(w, "Job not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	next, ok := Transition(job.State, EventProgress)
	if !ok {
		ws.logStale(job, "progress")
		SendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	progress := models.Progress{
		CurrentStep:      payload.Progress.CurrentStep,
		TotalSteps:       payload.Progress.TotalSteps,
		CurrentEpoch:     payload.Progress.CurrentEpoch,
		TotalEpochs:      payload.Progress.TotalEpochs,
		ProgressPercent:  payload.Progress.ProgressPercent,
		EstimatedSeconds: payload.Progress.EstimatedSeconds,
		UpdatedAt:        time.Now(),
	}
	rawProgress, err := json.Marshal(&progress)
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = $1, progress = $2, updated_at = $3 WHERE id = $4`,
		next, rawProgress, progress.UpdatedAt, job.ID); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (ws *WebhookService) handleComplete(w http.ResponseWriter, r *http.Request, jobType models.JobType) {
	var payload completePayload
	if err := DecodeJSONBody(w, r, &payload); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&payload); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	tx, err := ws.db.BeginTx(ctx, nil)
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if err := SetLockTimeout(ctx, tx, ws.dbCfg.LockTimeout); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	inserted, err := ws.markProcessed(ctx, tx, payload.TaskID, eventTypeCompleted, 0)
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}
	if !inserted {
		ws.logDuplicate(payload.TaskID, eventTypeCompleted)
		SendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	job, err := ws.lockJobByTask(ctx, tx, payload.TaskID, jobType)
	if errors.Is(err, ErrUnknownJob) {
		ws.logUnknownJob(payload.TaskID, eventTypeCompleted)
		SendErrorResponse(w, "Job not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	if _, ok := Transition(job.State, EventCompleted); !ok {
		ws.logStale(job, eventTypeCompleted)
		if err := tx.Commit(); err != nil {
			SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
			return
		}
		SendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	metadata := mergeMetadata(job.Metadata, payload.Metadata)
	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1, result_ref = $2, metadata = $3, progress = NULL, updated_at = $4
		WHERE id = $5`,
		models.JobStateCompleted, payload.ResultReference, rawMeta, time.Now(), job.ID); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	go ws.notifier.Notify(job.OwnerID, completionNotification(jobType), "job", job.ID, map[string]any{
		"result_reference": payload.ResultReference,
	})

	SendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (ws *WebhookService) handleFailed(w http.ResponseWriter, r *http.Request, jobType models.JobType) {
	var payload failedPayload
	if err := DecodeJSONBody(w, r, &payload); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&payload); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	tx, err := ws.db.BeginTx(ctx, nil)
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if err := SetLockTimeout(ctx, tx, ws.dbCfg.LockTimeout); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	inserted, err := ws.markProcessed(ctx, tx, payload.TaskID, eventTypeFailed, payload.RetryCount)
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}
	if !inserted {
		ws.logDuplicate(payload.TaskID, eventTypeFailed)
		SendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	job, err := ws.lockJobByTask(ctx, tx, payload.TaskID, jobType)
	if errors.Is(err, ErrUnknownJob) {
		ws.logUnknownJob(payload.TaskID, eventTypeFailed)
		SendErrorResponse(w, "Job not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	// Workers report their own attempt count; trust whichever is higher so a
	// replayed early failure cannot reset the budget.
	attempt := payload.RetryCount
	if job.RetryCount > attempt {
		attempt = job.RetryCount
	}

	if ShouldRetry(payload.ErrorCode, attempt, ws.jobsCfg.MaxRetries) {
		if _, ok := Transition(job.State, EventRetry); !ok {
			ws.logStale(job, eventTypeFailed)
			if err := tx.Commit(); err != nil {
				SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
				return
			}
			SendJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = $1, retry_count = $2, updated_at = $3 WHERE id = $4`,
			models.JobStateRetrying, attempt+1, time.Now(), job.ID); err != nil {
			SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
			return
		}

		if err := tx.Commit(); err != nil {
			SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
			return
		}

		ws.log.WithFields(logrus.Fields{
			"subsystem":  "webhooks",
			"task_id":    payload.TaskID,
			"job_id":     job.ID,
			"error_code": payload.ErrorCode,
			"attempt":    attempt + 1,
		}).Info("transient failure, re-enqueueing")

		// The republished payload must carry the bumped count so the next
		// failure callback dedups under a fresh attempt key.
		job.RetryCount = attempt + 1
		ws.republish(ctx, job)
		SendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if _, ok := Transition(job.State, EventFailed); !ok {
		ws.logStale(job, eventTypeFailed)
		if err := tx.Commit(); err != nil {
			SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
			return
		}
		SendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if err := ws.failJobTx(ctx, tx, job, payload.ErrorCode, payload.ErrorMessage); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	go ws.notifier.Notify(job.OwnerID, failureNotification(jobType), "job", job.ID, map[string]any{
		"error_message": payload.ErrorMessage,
		"error_code":    payload.ErrorCode,
	})

	SendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// failJobTx moves the job to failed and refunds the consumed tokens. The
// caller holds the job row lock and has already verified the state is not
// terminal, which is what makes the refund exactly-once.
func (ws *WebhookService) failJobTx(ctx context.Context, tx *sql.Tx, job *models.Job, errorCode, errorMessage string) error {
	metadata := mergeMetadata(job.Metadata, map[string]any{
		"error_code":    errorCode,
		"error_message": errorMessage,
	})
	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = $1, metadata = $2, progress = NULL, updated_at = $3 WHERE id = $4`,
		models.JobStateFailed, rawMeta, time.Now(), job.ID); err != nil {
		return err
	}

	if job.ConsumedTokens > 0 {
		jobID := job.ID
		if _, err := ws.ledger.RefundTx(ctx, tx, job.OwnerID, job.ConsumedTokens, &jobID,
			"Job failed: "+errorMessage); err != nil {
			return err
		}
	}
	return nil
}

// republish re-enqueues a retrying job under its original task id. Runs after
// the retrying transition committed; if the broker refuses, a compensating
// transaction fails the job and refunds instead of leaving it stranded.
func (ws *WebhookService) republish(ctx context.Context, job *models.Job) {
	data, err := taskDataForJob(job)
	if err == nil {
		err = ws.publisher.Reenqueue(ctx, job.Type, job.TaskID, data)
	}
	if err == nil {
		return
	}

	ws.log.WithFields(logrus.Fields{
		"subsystem": "webhooks",
		"task_id":   job.TaskID,
		"job_id":    job.ID,
	}).WithError(err).Error("re-enqueue failed, terminating job")

	tx, txErr := ws.db.BeginTx(ctx, nil)
	if txErr != nil {
		ws.log.WithField("subsystem", "webhooks").WithError(txErr).Error("compensation begin failed")
		return
	}
	defer tx.Rollback()

	if err := SetLockTimeout(ctx, tx, ws.dbCfg.LockTimeout); err != nil {
		return
	}

	current, err := ws.lockJobByID(ctx, tx, job.ID)
	if err != nil || current.State.Terminal() {
		return
	}
	if err := ws.failJobTx(ctx, tx, current, "REPUBLISH_FAILED", "task re-enqueue failed"); err != nil {
		ws.log.WithField("subsystem", "webhooks").WithError(err).Error("compensation failed")
		return
	}
	if err := tx.Commit(); err != nil {
		ws.log.WithField("subsystem", "webhooks").WithError(err).Error("compensation commit failed")
		return
	}

	go ws.notifier.Notify(current.OwnerID, failureNotification(current.Type), "job", current.ID, map[string]any{
		"error_code": "REPUBLISH_FAILED",
	})
}

// markProcessed inserts the idempotency row; false means this exact event
// was already handled.
func (ws *WebhookService) markProcessed(ctx context.Context, tx *sql.Tx, taskID, eventType string, attempt int) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO processed_webhooks (task_id, event_type, attempt, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		taskID, eventType, attempt, time.Now())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (ws *WebhookService) lockJobByTask(ctx context.Context, tx *sql.Tx, taskID string, jobType models.JobType) (*models.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, job_type, state, task_id, retry_count, consumed_tokens,
		       params, progress, result_ref, metadata, created_at, updated_at
		FROM jobs
		WHERE task_id = $1 AND job_type = $2
		FOR UPDATE`, taskID, jobType)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownJob
	}
	return job, err
}

func (ws *WebhookService) lockJobByID(ctx context.Context, tx *sql.Tx, jobID int64) (*models.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, job_type, state, task_id, retry_count, consumed_tokens,
		       params, progress, result_ref, metadata, created_at, updated_at
		FROM jobs
		WHERE id = $1
		FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownJob
	}
	return job, err
}

// StartJanitor deletes processed-webhook rows past the retention window.
// Task ids are never reused beyond that horizon.
func (ws *WebhookService) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ws.hookCfg.JanitorPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-ws.hookCfg.DedupRetention)
				result, err := ws.db.ExecContext(ctx,
					`DELETE FROM processed_webhooks WHERE received_at < $1`, cutoff)
				if err != nil {
					ws.log.WithField("subsystem", "webhooks").WithError(err).Warn("janitor sweep failed")
					continue
				}
				if n, err := result.RowsAffected(); err == nil && n > 0 {
					ws.log.WithFields(logrus.Fields{
						"subsystem": "webhooks",
						"deleted":   n,
					}).Info("expired processed webhooks")
				}
			}
		}
	}()
}

func (ws *WebhookService) logStale(job *models.Job, event string) {
	ws.log.WithFields(logrus.Fields{
		"subsystem": "webhooks",
		"task_id":   job.TaskID,
		"job_id":    job.ID,
		"state":     job.State,
		"event":     event,
	}).Warn("stale event for job, absorbing")
}

func (ws *WebhookService) logDuplicate(taskID, event string) {
	ws.log.WithFields(logrus.Fields{
		"subsystem": "webhooks",
		"task_id":   taskID,
		"event":     event,
	}).Info("duplicate event, absorbing")
}

func (ws *WebhookService) logUnknownJob(taskID, event string) {
	ws.log.WithFields(logrus.Fields{
		"subsystem": "webhooks",
		"task_id":   taskID,
		"event":     event,
	}).Warn("callback for unknown task")
}

func mergeMetadata(existing, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

func completionNotification(jobType models.JobType) string {
	if jobType == models.JobTypeTraining {
		return models.NotificationTrainingComplete
	}
	return models.NotificationGenerationComplete
}

func failureNotification(jobType models.JobType) string {
	if jobType == models.JobTypeTraining {
		return models.NotificationTrainingFailed
	}
	return models.NotificationGenerationFailed
}

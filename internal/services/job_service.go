package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/atelierml/backend/internal/config"
	"github.com/atelierml/backend/internal/models"
	"github.com/atelierml/backend/internal/queue"
)

// ResultSigner mints a time-limited read URL for a completed job's result.
type ResultSigner interface {
	SignedResultURL(objectRef string, expires time.Duration) (string, error)
}

// JobService is the sole entry point the CRUD layer calls to start work.
// Token debit, job row creation and queue publish commit as one unit: if the
// broker never confirms, the whole transaction rolls back and no tokens stay
// debited for a job that does not exist.
type JobService struct {
	db        *sql.DB
	ledger    *TokenLedgerService
	publisher queue.TaskPublisher
	signer    ResultSigner
	cfg       config.JobsConfig
	dbCfg     config.DatabaseConfig
	log       *logrus.Logger
	validator *ValidationHelper
}

func NewJobService(db *sql.DB, ledger *TokenLedgerService, publisher queue.TaskPublisher, signer ResultSigner, cfg config.JobsConfig, dbCfg config.DatabaseConfig, log *logrus.Logger) *JobService {
	return &JobService{
		db:        db,
		ledger:    ledger,
		publisher: publisher,
		signer:    signer,
		cfg:       cfg,
		dbCfg:     dbCfg,
		log:       log,
		validator: NewValidationHelper(),
	}
}

// CreateJobRequest carries exactly one params block matching Type.
type CreateJobRequest struct {
	OwnerID    int64                    `json:"owner_id" validate:"required,gt=0"`
	Type       models.JobType           `json:"type" validate:"required,oneof=model_training image_generation"`
	Training   *models.TrainingParams   `json:"training,omitempty"`
	Generation *models.GenerationParams `json:"generation,omitempty"`
}

// Task payloads carry retry_count so a retried worker reports a distinct
// attempt in its failure callback instead of echoing 0 again.
type trainingTaskData struct {
	JobID      int64    `json:"job_id"`
	StyleID    int64    `json:"style_id"`
	ImagePaths []string `json:"image_paths"`
	NumEpochs  int      `json:"num_epochs"`
	RetryCount int      `json:"retry_count"`
}

type generationTaskData struct {
	JobID       int64  `json:"job_id"`
	StyleID     int64  `json:"style_id"`
	LoraPath    string `json:"lora_path"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
	Seed        *int64 `json:"seed,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

// CreateJob debits the owner, records the job and enqueues the task.
func (js *JobService) CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error) {
	cost, params, err := js.resolveParams(req)
	if err != nil {
		return nil, err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal job params: %w", err)
	}

	tx, err := js.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := SetLockTimeout(ctx, tx, js.dbCfg.LockTimeout); err != nil {
		return nil, err
	}

	if _, err := js.ledger.ConsumeTx(ctx, tx, req.OwnerID, cost, consumeReason(req.Type), nil); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &models.Job{
		OwnerID:        req.OwnerID,
		Type:           req.Type,
		State:          models.JobStateQueued,
		ConsumedTokens: cost,
		Params:         rawParams,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO jobs (owner_id, job_type, state, consumed_tokens, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		job.OwnerID, job.Type, job.State, job.ConsumedTokens, job.Params, job.CreatedAt, job.UpdatedAt).
		Scan(&job.ID)
	if err != nil {
		return nil, err
	}

	data, err := taskDataForJob(job)
	if err != nil {
		return nil, err
	}

	taskID, err := js.publisher.Enqueue(ctx, req.Type, data)
	if err != nil {
		js.log.WithFields(logrus.Fields{"subsystem": "jobs", "owner_id": req.OwnerID}).
			WithError(err).Error("publish failed, rolling back token debit")
		return nil, fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET task_id = $1 WHERE id = $2`, taskID, job.ID); err != nil {
		return nil, err
	}
	job.TaskID = taskID

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	js.log.WithFields(logrus.Fields{
		"subsystem": "jobs",
		"job_id":    job.ID,
		"task_id":   taskID,
		"job_type":  job.Type,
		"cost":      cost,
	}).Info("job created")
	return job, nil
}

func (js *JobService) resolveParams(req *CreateJobRequest) (int64, any, error) {
	switch req.Type {
	case models.JobTypeTraining:
		if req.Training == nil {
			return 0, nil, fmt.Errorf("training params are required")
		}
		if err := js.validator.ValidateStruct(req.Training); err != nil {
			return 0, nil, err
		}
		if req.Training.NumEpochs == 0 {
			req.Training.NumEpochs = js.cfg.DefaultEpochs
		}
		return js.cfg.TrainingCost, req.Training, nil
	case models.JobTypeGeneration:
		if req.Generation == nil {
			return 0, nil, fmt.Errorf("generation params are required")
		}
		if err := js.validator.ValidateStruct(req.Generation); err != nil {
			return 0, nil, err
		}
		cost, ok := js.cfg.GenerationCosts[req.Generation.AspectRatio]
		if !ok {
			return 0, nil, fmt.Errorf("invalid aspect_ratio %q", req.Generation.AspectRatio)
		}
		return cost, req.Generation, nil
	default:
		return 0, nil, fmt.Errorf("invalid job type %q", req.Type)
	}
}

// taskDataForJob rebuilds the queue payload from the stored params. Used both
// for the initial enqueue and for retry re-publishes.
func taskDataForJob(job *models.Job) (any, error) {
	switch job.Type {
	case models.JobTypeTraining:
		var p models.TrainingParams
		if err := json.Unmarshal(job.Params, &p); err != nil {
			return nil, fmt.Errorf("unmarshal training params: %w", err)
		}
		return &trainingTaskData{
			JobID:      job.ID,
			StyleID:    p.StyleID,
			ImagePaths: p.ImagePaths,
			NumEpochs:  p.NumEpochs,
			RetryCount: job.RetryCount,
		}, nil
	case models.JobTypeGeneration:
		var p models.GenerationParams
		if err := json.Unmarshal(job.Params, &p); err != nil {
			return nil, fmt.Errorf("unmarshal generation params: %w", err)
		}
		return &generationTaskData{
			JobID:       job.ID,
			StyleID:     p.StyleID,
			LoraPath:    p.LoraPath,
			Prompt:      p.Prompt,
			AspectRatio: p.AspectRatio,
			Seed:        p.Seed,
			RetryCount:  job.RetryCount,
		}, nil
	default:
		return nil, fmt.Errorf("invalid job type %q", job.Type)
	}
}

func consumeReason(jobType models.JobType) string {
	if jobType == models.JobTypeTraining {
		return "Style model training"
	}
	return "Image generation"
}

// HandleCreateJob accepts a new training or generation job
// @Summary Create a job
// @Description Debits tokens, records the job and enqueues the task atomically
// @Tags jobs
// @Accept json
// @Produce json
// @Param job body CreateJobRequest true "Job request"
// @Success 201 {object} models.Job
// @Failure 402 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /jobs [post]
func (js *JobService) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := js.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	job, err := js.CreateJob(r.Context(), &req)
	switch {
	case err == nil:
		SendJSON(w, http.StatusCreated, job)
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, "Insufficient token balance", http.StatusPaymentRequired, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrPublishFailure):
		SendErrorResponse(w, "Task queue unavailable, please retry", http.StatusServiceUnavailable, nil)
	default:
		js.log.WithField("subsystem", "jobs").WithError(err).Error("create job failed")
		SendErrorResponse(w, "Failed to create job", http.StatusBadRequest, nil)
	}
}

// HandleGetJob returns a job's state and progress for polling
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Param jobID path int true "Job ID"
// @Success 200 {object} models.Job
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{jobID} [get]
func (js *JobService) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil || jobID <= 0 {
		SendErrorResponse(w, "Invalid job id", http.StatusBadRequest, nil)
		return
	}

	job, err := js.fetchJob(r.Context(), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		SendErrorResponse(w, "Job not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch job", http.StatusInternalServerError, nil)
		return
	}

	body := map[string]any{"job": job}
	if job.State == models.JobStateCompleted && job.ResultRef != nil && js.signer != nil {
		if url, err := js.signer.SignedResultURL(*job.ResultRef, js.cfg.ResultURLExpiry); err == nil {
			body["result_url"] = url
		} else {
			js.log.WithField("subsystem", "jobs").WithError(err).Warn("result url signing failed")
		}
	}

	SendJSON(w, http.StatusOK, body)
}

func (js *JobService) fetchJob(ctx context.Context, jobID int64) (*models.Job, error) {
	row := js.db.QueryRowContext(ctx, `
		SELECT id, owner_id, job_type, state, task_id, retry_count, consumed_tokens,
		       params, progress, result_ref, metadata, created_at, updated_at
		FROM jobs
		WHERE id = $1`, jobID)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var progress, metadata []byte
	err := row.Scan(&job.ID, &job.OwnerID, &job.Type, &job.State, &job.TaskID,
		&job.RetryCount, &job.ConsumedTokens, &job.Params, &progress,
		&job.ResultRef, &metadata, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal job progress: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	return &job, nil
}

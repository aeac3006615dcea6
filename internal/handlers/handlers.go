package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/skinscan/internal/auth"
	"github.com/example/skinscan/internal/engine"
	"github.com/example/skinscan/internal/jobs"
	"github.com/example/skinscan/internal/storage"
	"github.com/example/skinscan/internal/validator"
)

// MaxUploadSize caps one multipart request: up to three images at the
// per-image byte ceiling, plus form overhead.
const MaxUploadSize = 16 << 20

const maxFeedbackLength = 2000

// Stable error codes surfaced to clients.
const (
	CodeImagesRequired        = "IMAGES_REQUIRED"
	CodeTooManyImages         = "TOO_MANY_IMAGES"
	CodeInvalidFormat         = "INVALID_FORMAT"
	CodeFileTooLarge          = "FILE_TOO_LARGE"
	CodeImageValidationFailed = "IMAGE_VALIDATION_FAILED"
	CodeStorageError          = "STORAGE_ERROR"
	CodeModelUnavailable      = "MODEL_UNAVAILABLE"
	CodeJobNotFound           = "JOB_NOT_FOUND"
	CodeInternalError         = "INTERNAL_ERROR"
)

// ModelSwapper is implemented by engines that support hot-swapping the
// active artifact.
type ModelSwapper interface {
	Swap(modelPath, metadataPath string) error
	Version() string
}

// Deps bundles the collaborators the HTTP layer needs.
type Deps struct {
	Orchestrator *jobs.Orchestrator
	Engine       engine.Engine
	Validator    *validator.Validator
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Deps, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_version": deps.Engine.Version()})
	})

	api := router.Group("/api/predict", authMiddleware)
	api.POST("/upload", uploadHandler(deps, false))
	api.POST("/upload/sync", uploadHandler(deps, true))
	api.GET("/status/:job_id", statusHandler(deps))
	api.GET("/history", historyHandler(deps))
	api.POST("/:job_id/feedback", feedbackHandler(deps))
	api.GET("/metrics", metricsHandler(deps))

	admin := router.Group("/api/admin", authMiddleware)
	admin.POST("/model", swapModelHandler(deps))
}

// uploadHandler serves both dispatch contracts. Async: the job is created,
// handed to the pool, and a 202-style body with the job id is returned;
// the client polls the status endpoint. Sync: validation, inference, and
// gating run inline and the final view is returned in one round trip.
func uploadHandler(deps Deps, sync bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			respondError(c, http.StatusUnauthorized, CodeInternalError, "missing user identity", nil)
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			respondError(c, http.StatusBadRequest, CodeImagesRequired, "multipart form with 1-3 images is required", nil)
			return
		}

		files := form.File["images"]
		if len(files) == 0 {
			files = form.File["image"]
		}

		// Request-shape checks run before any per-image validation.
		if len(files) == 0 {
			respondError(c, http.StatusBadRequest, CodeImagesRequired, "no images provided", nil)
			return
		}
		if len(files) > jobs.MaxImagesPerJob {
			respondError(c, http.StatusBadRequest, CodeTooManyImages,
				fmt.Sprintf("a maximum of %d images is allowed, got %d", jobs.MaxImagesPerJob, len(files)), nil)
			return
		}

		uploads, ok := validateFiles(c, deps.Validator, files)
		if !ok {
			return
		}

		jobID, err := deps.Orchestrator.CreateJob(c.Request.Context(), userID, uploads)
		if err != nil {
			var storageErr *storage.StorageError
			if errors.As(err, &storageErr) {
				respondError(c, http.StatusBadGateway, CodeStorageError, "image storage is unavailable", nil)
				return
			}
			respondError(c, http.StatusInternalServerError, CodeInternalError, "failed to create prediction job", nil)
			return
		}

		if sync {
			deps.Orchestrator.RunInline(c.Request.Context(), jobID, userID)
			view, err := deps.Orchestrator.GetStatus(c.Request.Context(), userID, jobID)
			if err != nil {
				respondError(c, http.StatusInternalServerError, CodeInternalError, "failed to load prediction result", nil)
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "success", "data": view})
			return
		}

		deps.Orchestrator.Submit(jobID, userID)
		c.JSON(http.StatusAccepted, gin.H{
			"status": "success",
			"data": gin.H{
				"job_id":      jobID,
				"status":      "PENDING",
				"image_count": len(uploads),
			},
		})
	}
}

// validateFiles runs the quality validator on every file. Hard failures
// report the offending image index so multi-image uploads can pinpoint the
// file at fault.
func validateFiles(c *gin.Context, v *validator.Validator, files []*multipart.FileHeader) ([]jobs.ImageUpload, bool) {
	uploads := make([]jobs.ImageUpload, 0, len(files))

	for i, header := range files {
		if err := v.CheckFormat(header.Filename); err != nil {
			respondValidationError(c, CodeInvalidFormat, i, err)
			return nil, false
		}
		if err := v.CheckSize(header.Size); err != nil {
			respondValidationError(c, CodeFileTooLarge, i, err)
			return nil, false
		}

		src, err := header.Open()
		if err != nil {
			respondError(c, http.StatusBadRequest, CodeImageValidationFailed, "unable to open uploaded image", gin.H{"image_index": i})
			return nil, false
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			respondError(c, http.StatusInternalServerError, CodeInternalError, "failed to read uploaded image", gin.H{"image_index": i})
			return nil, false
		}

		result, err := v.Validate(data, header.Filename, header.Size)
		if err != nil {
			respondValidationError(c, CodeImageValidationFailed, i, err)
			return nil, false
		}

		uploads = append(uploads, jobs.ImageUpload{
			Data:           data,
			Filename:       header.Filename,
			Size:           header.Size,
			Width:          result.Width,
			Height:         result.Height,
			QualityScore:   result.QualityScore,
			HasWarning:     result.HasWarning,
			WarningMessage: result.WarningMessage(),
		})
	}
	return uploads, true
}

func statusHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		jobID := c.Param("job_id")

		view, err := deps.Orchestrator.GetStatus(c.Request.Context(), userID, jobID)
		if errors.Is(err, jobs.ErrJobNotFound) {
			respondError(c, http.StatusNotFound, CodeJobNotFound, "job not found", nil)
			return
		}
		if err != nil {
			respondError(c, http.StatusInternalServerError, CodeInternalError, "failed to load job status", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": view})
	}
}

func historyHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())

		history, err := deps.Orchestrator.History(c.Request.Context(), userID, 50)
		if err != nil {
			respondError(c, http.StatusInternalServerError, CodeInternalError, "failed to load history", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": gin.H{"history": history}})
	}
}

type feedbackRequest struct {
	Feedback    string `json:"feedback"`
	IsIncorrect bool   `json:"is_incorrect"`
}

func feedbackHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		jobID := c.Param("job_id")

		var req feedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, CodeInternalError, "invalid feedback payload", nil)
			return
		}
		if len(req.Feedback) > maxFeedbackLength {
			respondError(c, http.StatusBadRequest, CodeInternalError,
				fmt.Sprintf("feedback exceeds maximum length of %d characters", maxFeedbackLength), nil)
			return
		}

		err := deps.Orchestrator.Feedback(c.Request.Context(), userID, jobID, req.Feedback, req.IsIncorrect)
		if errors.Is(err, jobs.ErrJobNotFound) {
			respondError(c, http.StatusNotFound, CodeJobNotFound, "job not found", nil)
			return
		}
		if err != nil {
			respondError(c, http.StatusInternalServerError, CodeInternalError, "failed to record feedback", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "feedback recorded"})
	}
}

func metricsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := deps.Orchestrator.GetMetricsSummary(c.Request.Context())
		if err != nil {
			respondError(c, http.StatusInternalServerError, CodeInternalError, "failed to aggregate metrics", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": summary})
	}
}

type swapModelRequest struct {
	ModelPath    string `json:"model_path" binding:"required"`
	MetadataPath string `json:"metadata_path" binding:"required"`
}

func swapModelHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		swapper, ok := deps.Engine.(ModelSwapper)
		if !ok {
			respondError(c, http.StatusServiceUnavailable, CodeModelUnavailable, "active engine does not support model swapping", nil)
			return
		}

		var req swapModelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, CodeInternalError, "model_path and metadata_path are required", nil)
			return
		}

		if err := swapper.Swap(req.ModelPath, req.MetadataPath); err != nil {
			respondError(c, http.StatusServiceUnavailable, CodeModelUnavailable, err.Error(), nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": gin.H{"model_version": swapper.Version()}})
	}
}

func respondValidationError(c *gin.Context, code string, imageIndex int, err error) {
	details := gin.H{"image_index": imageIndex}
	var vErr *validator.ValidationError
	if errors.As(err, &vErr) {
		for k, val := range vErr.Details {
			details[k] = val
		}
	}
	respondError(c, http.StatusBadRequest, code, err.Error(), details)
}

func respondError(c *gin.Context, status int, code, message string, details gin.H) {
	body := gin.H{"status": "error", "error_code": code, "message": message}
	if details != nil {
		body["validation_details"] = details
	}
	c.JSON(status, body)
}

// handlers.go - HTTP handlers for batch processing, uploads, and reconciliation

package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/dedup"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/pipeline"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/processor"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
)

const maxUploadSize = 10 << 20 // 10 MB per file

// Handler wires the HTTP surface to the processing core.
type Handler struct {
	orchestrator *pipeline.Orchestrator
	reconciler   *pipeline.Reconciler
	blobs        storage.BlobStore
	bucket       string
	log          *logrus.Logger
}

func NewHandler(orchestrator *pipeline.Orchestrator, reconciler *pipeline.Reconciler, blobs storage.BlobStore, bucket string, log *logrus.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		reconciler:   reconciler,
		blobs:        blobs,
		bucket:       bucket,
		log:          log,
	}
}

// ProcessBatchRequest is the body for POST /api/v1/process-batch.
type ProcessBatchRequest struct {
	Username       string   `json:"username" binding:"required"`
	FileKeys       []string `json:"file_keys" binding:"required"`
	ForceReprocess bool     `json:"force_reprocess"`
}

// ProcessBatch runs a whole batch synchronously and returns its accounting.
func (h *Handler) ProcessBatch(c *gin.Context) {
	var req ProcessBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	if len(req.FileKeys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_keys must not be empty"})
		return
	}

	result := h.orchestrator.ProcessBatch(c.Request.Context(), req.FileKeys, req.Username, req.ForceReprocess, nil)
	c.JSON(http.StatusOK, result)
}

// Upload accepts multipart files, stores each in the blob bucket under a
// unique key, and returns the keys for a later process-batch call.
func (h *Handler) Upload(c *gin.Context) {
	username := c.PostForm("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username is required"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid multipart form: %v", err)})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}

	keys := make([]string, 0, len(files))
	for _, file := range files {
		if file.Size > maxUploadSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("File too large: %s", file.Filename)})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to read %s: %v", file.Filename, err)})
			return
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to read %s: %v", file.Filename, err)})
			return
		}

		// Content-named keys: re-uploading identical bytes lands on the
		// same object instead of accumulating copies.
		ext := strings.ToLower(filepath.Ext(file.Filename))
		key := fmt.Sprintf("%s/%s%s", username, dedup.Fingerprint(data), ext)
		if err := h.blobs.Upload(c.Request.Context(), h.bucket, key, data, processor.DetectMIME(file.Filename)); err != nil {
			h.log.WithError(err).WithField("filename", file.Filename).Error("Blob upload failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to store %s: %v", file.Filename, err)})
			return
		}
		keys = append(keys, key)
	}

	c.JSON(http.StatusOK, gin.H{
		"uploaded":  len(keys),
		"file_keys": keys,
	})
}

// RebuildRequest is the body for POST /api/v1/rebuild-verifications.
type RebuildRequest struct {
	Username string `json:"username" binding:"required"`
}

// RebuildVerifications clears and re-derives both verification record sets
// from the tenant's full invoice row set.
func (h *Handler) RebuildVerifications(c *gin.Context) {
	var req RebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
		return
	}

	if err := h.reconciler.Rebuild(c.Request.Context(), req.Username); err != nil {
		h.log.WithError(err).WithField("username", req.Username).Error("Rebuild failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Health reports service liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "invoice-ocr-pipeline",
		"version": "1.0.0",
	})
}

// Register mounts all routes on the router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	v1.POST("/upload", h.Upload)
	v1.POST("/process-batch", h.ProcessBatch)
	v1.POST("/rebuild-verifications", h.RebuildVerifications)
}

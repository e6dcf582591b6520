// batch.go - Concurrent batch processing of scanned documents

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/ai"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/common"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/dates"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/dedup"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/processor"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/tenant"
)

const presignExpiry = 7 * 24 * time.Hour

// Extractor runs the model state machine for one document image.
type Extractor interface {
	Extract(ctx context.Context, image []byte, mimeType, instruction string) (*ai.Result, error)
}

// TenantSource resolves a tenant's extraction configuration.
type TenantSource interface {
	Get(ctx context.Context, username string) (*tenant.Config, error)
}

// ProgressFunc receives incremental batch progress. Optional; may be nil.
type ProgressFunc func(done, total int, message string)

// DuplicateInfo describes one skipped re-upload.
type DuplicateInfo struct {
	FileKey   string                `json:"file_key"`
	Existing  *dedup.ExistingRecord `json:"existing_invoice"`
	ImageHash string                `json:"image_hash"`
}

// BatchResult is the per-batch accounting. Every submitted document lands in
// exactly one of processed, failed, or duplicates.
type BatchResult struct {
	BatchID    string            `json:"batch_id"`
	Total      int               `json:"total"`
	Processed  int               `json:"processed"`
	Failed     int               `json:"failed"`
	Errors     []string          `json:"errors"`
	Duplicates []DuplicateInfo   `json:"duplicates"`
	Usage      common.TokenUsage `json:"usage"`
}

// Options tunes an Orchestrator.
type Options struct {
	Bucket            string
	Workers           int
	PreprocessImages  bool
	MaxImageDimension int
}

// Orchestrator runs whole batches: download, dedup, extract, project, persist,
// reconcile.
type Orchestrator struct {
	store      storage.RecordStore
	blobs      storage.BlobStore
	dedup      *dedup.Service
	extractor  Extractor
	tenants    TenantSource
	reconciler *Reconciler
	opts       Options
	log        *logrus.Logger
}

func NewOrchestrator(
	store storage.RecordStore,
	blobs storage.BlobStore,
	dedupSvc *dedup.Service,
	extractor Extractor,
	tenants TenantSource,
	reconciler *Reconciler,
	opts Options,
	log *logrus.Logger,
) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	return &Orchestrator{
		store:      store,
		blobs:      blobs,
		dedup:      dedupSvc,
		extractor:  extractor,
		tenants:    tenants,
		reconciler: reconciler,
		opts:       opts,
		log:        log,
	}
}

// ProcessBatch processes fileKeys with bounded concurrency. One document's
// failure never aborts the others; the batch always runs to completion and
// accounts for every submitted key.
func (o *Orchestrator) ProcessBatch(ctx context.Context, fileKeys []string, username string, forceReprocess bool, progress ProgressFunc) *BatchResult {
	bc := common.NewBatchContext(username, o.log)
	result := &BatchResult{
		BatchID:    bc.BatchID,
		Total:      len(fileKeys),
		Errors:     []string{},
		Duplicates: []DuplicateInfo{},
	}

	var (
		mu      sync.Mutex
		allRows []Row
		wg      sync.WaitGroup
	)

	report := func(done int, message string) {
		if progress != nil {
			progress(done, len(fileKeys), message)
		}
	}

	jobs := make(chan int)
	for w := 0; w < o.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				rows := o.processOne(ctx, bc, fileKeys[idx], idx, username, forceReprocess, result, &mu, report)
				if len(rows) > 0 {
					mu.Lock()
					allRows = append(allRows, rows...)
					mu.Unlock()
				}
			}
		}()
	}
	for idx := range fileKeys {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	if len(allRows) > 0 {
		report(result.Processed, "Saving extracted rows")
		saved := 0
		for _, row := range allRows {
			if err := o.store.Insert(ctx, storage.TableInvoices, row); err != nil {
				bc.Logger().WithError(err).WithField("row_id", row.RowID).Error("Failed to insert row")
				continue
			}
			saved++
		}
		bc.Logger().WithFields(logrus.Fields{
			"saved": saved,
			"total": len(allRows),
		}).Info("Saved extracted rows")

		report(result.Processed, "Creating verification records")
		o.reconciler.Run(ctx, username, allRows)
	}

	result.Usage = bc.Usage()
	bc.Finish(result.Processed, result.Failed, len(result.Duplicates))
	return result
}

// processOne runs the full pipeline for a single document. All accounting
// mutations happen under mu.
func (o *Orchestrator) processOne(ctx context.Context, bc *common.BatchContext, fileKey string, idx int, username string, forceReprocess bool, result *BatchResult, mu *sync.Mutex, report func(int, string)) []Row {
	log := bc.Logger().WithField("file_key", fileKey)
	fail := func(msg string) []Row {
		mu.Lock()
		result.Failed++
		result.Errors = append(result.Errors, msg)
		mu.Unlock()
		return nil
	}

	report(idx, fmt.Sprintf("Downloading %s", fileKey))
	data, err := o.blobs.Download(ctx, o.opts.Bucket, fileKey)
	if err != nil || len(data) == 0 {
		log.WithError(err).Error("Download failed")
		return fail(fmt.Sprintf("Failed to download: %s", fileKey))
	}

	fingerprint := dedup.Fingerprint(data)
	if !forceReprocess {
		if existing := o.dedup.FindDuplicate(ctx, fingerprint, username); existing != nil {
			log.WithField("receipt_number", existing.ReceiptNumber).Warn("⚠️ Duplicate detected, skipping")
			mu.Lock()
			result.Duplicates = append(result.Duplicates, DuplicateInfo{
				FileKey:   fileKey,
				Existing:  existing,
				ImageHash: fingerprint,
			})
			mu.Unlock()
			return nil
		}
	} else if o.dedup.FindDuplicate(ctx, fingerprint, username) != nil {
		log.Info("Force reprocess, purging existing duplicate")
		o.dedup.PurgeByFingerprint(ctx, fingerprint, username)
	}

	receiptLink, err := o.blobs.PresignGet(ctx, o.opts.Bucket, fileKey, presignExpiry)
	if err != nil {
		log.WithError(err).Error("Failed to generate presigned URL")
		receiptLink = fmt.Sprintf("s3://%s/%s", o.opts.Bucket, fileKey)
	}

	cfg, err := o.tenants.Get(ctx, username)
	if err != nil {
		log.WithError(err).Error("Tenant config unavailable")
		return fail(fmt.Sprintf("Missing tenant config: %s - %v", fileKey, err))
	}
	if cfg.Prompt == "" {
		return fail(fmt.Sprintf("No extraction instruction configured for tenant: %s", username))
	}

	image := data
	mimeType := processor.DetectMIME(fileKey)
	if o.opts.PreprocessImages {
		image, mimeType, err = processor.PrepareImage(data, fileKey, o.opts.MaxImageDimension)
		if err != nil {
			log.WithError(err).Warn("Image preprocessing failed, using original bytes")
			image, mimeType = data, processor.DetectMIME(fileKey)
		}
	}

	report(idx, fmt.Sprintf("Extracting %s", fileKey))
	res, err := o.extractor.Extract(ctx, image, mimeType, cfg.Prompt)
	if err != nil {
		log.WithError(err).Error("Extraction failed")
		return fail(fmt.Sprintf("AI processing failed: %s - %v", fileKey, err))
	}
	bc.AddUsage(res.InputTokens, res.OutputTokens, res.TotalTokens, res.CostINR)

	rows := ProjectRows(res, RowMeta{
		Username:    username,
		Industry:    cfg.Industry,
		ReceiptLink: receiptLink,
		UploadDate:  dates.NowISTString(),
		ImageHash:   fingerprint,
	})

	mu.Lock()
	result.Processed++
	done := result.Processed
	mu.Unlock()
	report(done, fmt.Sprintf("Completed: %s", fileKey))
	return rows
}

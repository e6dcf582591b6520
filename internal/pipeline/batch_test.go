package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/ai"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/dedup"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage/storetest"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/tenant"
)

// fakeBlobs serves objects from memory, with optional per-key failures.
type fakeBlobs struct {
	mu         sync.Mutex
	objects    map[string][]byte
	failKeys   map[string]bool
	presignErr bool
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, failKeys: map[string]bool{}}
}

func (f *fakeBlobs) Upload(_ context.Context, _, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Download(_ context.Context, _, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys[key] {
		return nil, errors.New("storage unavailable")
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return data, nil
}

func (f *fakeBlobs) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	if f.presignErr {
		return "", errors.New("presign unavailable")
	}
	return fmt.Sprintf("https://blob.example/%s/%s", bucket, key), nil
}

// fakeExtractor returns a canned result and counts invocations.
type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeExtractor) Extract(_ context.Context, _ []byte, _, _ string) (*ai.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Result{
		Header: map[string]any{
			"receipt_number": fmt.Sprintf("80%02d", n),
			"date":           "2025-03-10",
		},
		Items: []map[string]any{
			{"description": "Part", "quantity": float64(2), "rate": float64(10), "amount": float64(25), "confidence": float64(95)},
		},
		ModelUsed:     "gemini-3-flash-preview",
		ModelAccuracy: 95.0,
		InputTokens:   100,
		OutputTokens:  50,
		TotalTokens:   150,
		CostINR:       0.5,
	}, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTenants struct {
	cfg *tenant.Config
	err error
}

func (f *fakeTenants) Get(context.Context, string) (*tenant.Config, error) {
	return f.cfg, f.err
}

func testOrchestrator(store *storetest.Store, blobs *fakeBlobs, ext Extractor, tenants TenantSource) *Orchestrator {
	log := quietLogger()
	return NewOrchestrator(
		store,
		blobs,
		dedup.NewService(store, log),
		ext,
		tenants,
		NewReconciler(store, log),
		Options{Bucket: "invoices", Workers: 3},
		log,
	)
}

func defaultTenants() *fakeTenants {
	return &fakeTenants{cfg: &tenant.Config{
		Username: "garage_a",
		Industry: "automobile",
		Prompt:   "Extract invoice fields.",
	}}
}

func TestProcessBatchHappyPath(t *testing.T) {
	store := storetest.New()
	blobs := newFakeBlobs()
	for i := 0; i < 3; i++ {
		blobs.objects[fmt.Sprintf("scan-%d.jpg", i)] = []byte(fmt.Sprintf("image bytes %d", i))
	}
	ext := &fakeExtractor{}
	o := testOrchestrator(store, blobs, ext, defaultTenants())

	result := o.ProcessBatch(context.Background(), []string{"scan-0.jpg", "scan-1.jpg", "scan-2.jpg"}, "garage_a", false, nil)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Duplicates)
	assert.Equal(t, 450, result.Usage.TotalTokens)
	assert.Equal(t, 1.5, result.Usage.CostINR)

	assert.Len(t, store.Rows(storage.TableInvoices), 3)
	assert.Len(t, store.Rows(storage.TableVerificationDates), 3)
	// every projected row mismatches by 5
	assert.Len(t, store.Rows(storage.TableVerificationAmounts), 3)
}

func TestProcessBatchIsolatesDownloadFailure(t *testing.T) {
	store := storetest.New()
	blobs := newFakeBlobs()
	keys := make([]string, 5)
	for i := range keys {
		keys[i] = fmt.Sprintf("scan-%d.jpg", i)
		blobs.objects[keys[i]] = []byte(fmt.Sprintf("image bytes %d", i))
	}
	blobs.failKeys["scan-2.jpg"] = true
	ext := &fakeExtractor{}
	o := testOrchestrator(store, blobs, ext, defaultTenants())

	result := o.ProcessBatch(context.Background(), keys, "garage_a", false, nil)

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "scan-2.jpg")
}

func TestProcessBatchSkipsDuplicates(t *testing.T) {
	store := storetest.New()
	content := []byte("same image bytes")
	store.Seed(storage.TableInvoices, bson.M{
		"username":       "garage_a",
		"image_hash":     dedup.Fingerprint(content),
		"receipt_number": "8030",
		"row_id":         "8030_0",
	})
	blobs := newFakeBlobs()
	blobs.objects["rescan.jpg"] = content
	ext := &fakeExtractor{}
	o := testOrchestrator(store, blobs, ext, defaultTenants())

	result := o.ProcessBatch(context.Background(), []string{"rescan.jpg"}, "garage_a", false, nil)

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Duplicates, 1)
	assert.Equal(t, "rescan.jpg", result.Duplicates[0].FileKey)
	assert.Equal(t, "8030", result.Duplicates[0].Existing.ReceiptNumber)
	// duplicate must never reach the extraction service
	assert.Equal(t, 0, ext.callCount())
}

func TestFindDuplicateMatchesPersistedRow(t *testing.T) {
	store := storetest.New()
	log := quietLogger()
	content := []byte("image bytes")
	hash := dedup.Fingerprint(content)

	res := sampleResult()
	res.Header["total_bill_amount"] = float64(3500)
	rows := ProjectRows(res, RowMeta{
		Username:    "garage_a",
		Industry:    "automobile",
		ReceiptLink: "https://blob.example/8030.jpg",
		UploadDate:  "15-Mar-2025 10:30:00",
		ImageHash:   hash,
	})
	require.NotEmpty(t, rows)
	for _, r := range rows {
		require.NoError(t, store.Insert(context.Background(), storage.TableInvoices, r))
	}

	// a persisted row, full field set included, must come back as a hit
	rec := dedup.NewService(store, log).FindDuplicate(context.Background(), hash, "garage_a")
	require.NotNil(t, rec)
	assert.Equal(t, "8030", rec.ReceiptNumber)
	assert.Equal(t, hash, rec.ImageHash)
}

func TestProcessBatchSecondSubmissionIsDuplicate(t *testing.T) {
	store := storetest.New()
	blobs := newFakeBlobs()
	blobs.objects["scan.jpg"] = []byte("image bytes")
	ext := &fakeExtractor{}
	o := testOrchestrator(store, blobs, ext, defaultTenants())

	first := o.ProcessBatch(context.Background(), []string{"scan.jpg"}, "garage_a", false, nil)
	require.Equal(t, 1, first.Processed)
	require.Equal(t, 1, ext.callCount())

	second := o.ProcessBatch(context.Background(), []string{"scan.jpg"}, "garage_a", false, nil)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 0, second.Failed)
	require.Len(t, second.Duplicates, 1)
	// the re-submission never reaches the extraction service
	assert.Equal(t, 1, ext.callCount())
}

func TestProcessBatchForceReprocessPurges(t *testing.T) {
	store := storetest.New()
	content := []byte("same image bytes")
	hash := dedup.Fingerprint(content)
	store.Seed(storage.TableInvoices, bson.M{
		"username":   "garage_a",
		"image_hash": hash,
		"row_id":     "8030_0",
	})
	store.Seed(storage.TableVerificationDates, bson.M{
		"username":   "garage_a",
		"image_hash": hash,
	})
	blobs := newFakeBlobs()
	blobs.objects["rescan.jpg"] = content
	ext := &fakeExtractor{}
	o := testOrchestrator(store, blobs, ext, defaultTenants())

	result := o.ProcessBatch(context.Background(), []string{"rescan.jpg"}, "garage_a", true, nil)

	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, result.Duplicates)
	assert.Equal(t, 1, ext.callCount())

	// the purged original is gone, only the fresh row remains
	rows := store.Rows(storage.TableInvoices)
	require.Len(t, rows, 1)
	assert.NotEqual(t, "8030_0", rows[0]["row_id"])
}

func TestProcessBatchMissingTenantConfig(t *testing.T) {
	store := storetest.New()
	blobs := newFakeBlobs()
	blobs.objects["scan.jpg"] = []byte("image bytes")
	o := testOrchestrator(store, blobs, &fakeExtractor{}, &fakeTenants{err: errors.New("no config found for user: garage_a")})

	result := o.ProcessBatch(context.Background(), []string{"scan.jpg"}, "garage_a", false, nil)

	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "tenant config")
}

func TestProcessBatchExtractionFailure(t *testing.T) {
	store := storetest.New()
	blobs := newFakeBlobs()
	blobs.objects["scan.jpg"] = []byte("image bytes")
	ext := &fakeExtractor{err: errors.New("both models exhausted")}
	o := testOrchestrator(store, blobs, ext, defaultTenants())

	result := o.ProcessBatch(context.Background(), []string{"scan.jpg"}, "garage_a", false, nil)

	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "AI processing failed")
	assert.Empty(t, store.Rows(storage.TableInvoices))
}

func TestProcessBatchPresignFallbackLink(t *testing.T) {
	store := storetest.New()
	blobs := newFakeBlobs()
	blobs.objects["scan.jpg"] = []byte("image bytes")
	blobs.presignErr = true
	o := testOrchestrator(store, blobs, &fakeExtractor{}, defaultTenants())

	result := o.ProcessBatch(context.Background(), []string{"scan.jpg"}, "garage_a", false, nil)
	require.Equal(t, 1, result.Processed)

	rows := store.Rows(storage.TableInvoices)
	require.Len(t, rows, 1)
	assert.Equal(t, "s3://invoices/scan.jpg", rows[0]["receipt_link"])
}

func TestProcessBatchReportsProgress(t *testing.T) {
	store := storetest.New()
	blobs := newFakeBlobs()
	blobs.objects["scan.jpg"] = []byte("image bytes")
	o := testOrchestrator(store, blobs, &fakeExtractor{}, defaultTenants())

	var mu sync.Mutex
	var messages []string
	progress := func(done, total int, message string) {
		mu.Lock()
		messages = append(messages, message)
		mu.Unlock()
	}

	o.ProcessBatch(context.Background(), []string{"scan.jpg"}, "garage_a", false, progress)

	mu.Lock()
	defer mu.Unlock()
	joined := fmt.Sprint(messages)
	assert.Contains(t, joined, "Downloading scan.jpg")
	assert.Contains(t, joined, "Extracting scan.jpg")
	assert.Contains(t, joined, "Completed: scan.jpg")
}

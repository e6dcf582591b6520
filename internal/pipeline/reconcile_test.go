package pipeline

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage/storetest"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func row(receipt, date, link, rowID string, mismatch float64) Row {
	return Row{
		RowID:          rowID,
		ReceiptNumber:  receipt,
		Date:           date,
		ReceiptLink:    link,
		AmountMismatch: mismatch,
		UploadDate:     "15-Mar-2025 10:30:00",
	}
}

func TestDeriveHeadersLoneRowIsDone(t *testing.T) {
	rows := []Row{row("8001", "2025-03-10", "link-a", "8001_0", 0)}
	headers := DeriveHeaders("garage_a", rows)
	require.Len(t, headers, 1)
	assert.Empty(t, headers[0].AuditFindings)
	assert.Equal(t, "Done", headers[0].VerificationStatus)
	assert.Equal(t, "8001_0", headers[0].RowID)
}

func TestDeriveHeadersDuplicateReceiptNumber(t *testing.T) {
	rows := []Row{
		row("8030", "2025-03-10", "link-a", "8030_0", 0),
		row("8030", "2025-03-10", "link-b", "8030_1", 0),
	}
	headers := DeriveHeaders("garage_a", rows)
	require.Len(t, headers, 1)
	assert.Contains(t, headers[0].AuditFindings, "Duplicate Receipt Number")
	assert.Equal(t, "Duplicate Receipt Number", headers[0].VerificationStatus)
}

func TestDeriveHeadersDateDiff(t *testing.T) {
	rows := []Row{
		row("8001", "2025-03-10", "link-a", "8001_0", 0),
		row("8002", "2025-03-11", "link-b", "8002_0", 0),
		row("8003", "2025-03-16", "link-c", "8003_0", 0),
	}
	headers := DeriveHeaders("garage_a", rows)
	require.Len(t, headers, 3)

	// gap of exactly 1 day is normal progression, no finding
	assert.Empty(t, headers[0].AuditFindings)
	assert.Empty(t, headers[1].AuditFindings)

	assert.Equal(t, "Date Diff: 5", headers[2].AuditFindings)
	assert.Equal(t, "Pending", headers[2].VerificationStatus)
}

func TestDeriveHeadersMissingDate(t *testing.T) {
	rows := []Row{
		row("8001", "2025-03-10", "link-a", "8001_0", 0),
		row("8002", "not-a-date", "link-b", "8002_0", 0),
	}
	headers := DeriveHeaders("garage_a", rows)
	require.Len(t, headers, 2)
	assert.Equal(t, "Missing Date", headers[1].AuditFindings)
	assert.Equal(t, "Pending", headers[1].VerificationStatus)
}

func TestDeriveHeadersDuplicateReceiptLink(t *testing.T) {
	rows := []Row{
		row("8001", "2025-03-10", "same-link", "8001_0", 0),
		row("8002", "2025-03-11", "same-link", "8002_0", 0),
	}
	headers := DeriveHeaders("garage_a", rows)
	require.Len(t, headers, 2)
	for _, h := range headers {
		assert.Contains(t, h.AuditFindings, "Duplicate Receipt Link")
		assert.Equal(t, "Pending", h.VerificationStatus)
	}
}

func TestDeriveHeadersDeterministicOrder(t *testing.T) {
	rows := []Row{
		row("8002", "2025-03-11", "link-b", "8002_0", 0),
		row("8001", "2025-03-10", "link-a", "8001_0", 0),
	}
	first := DeriveHeaders("garage_a", rows)
	second := DeriveHeaders("garage_a", rows)
	assert.Equal(t, first, second)
	assert.Equal(t, "8001", first[0].ReceiptNumber)
	assert.Equal(t, "8002", first[1].ReceiptNumber)
}

func TestStatusForFindings(t *testing.T) {
	assert.Equal(t, "Done", StatusForFindings(""))
	assert.Equal(t, "Pending", StatusForFindings("Date Diff: 3"))
	assert.Equal(t, "Duplicate Receipt Number", StatusForFindings("Date Diff: 3 | Duplicate Receipt Number"))
	assert.Equal(t, "Already Verified", StatusForFindings("Already Verified"))
	// duplicate wins over already-verified
	assert.Equal(t, "Duplicate Receipt Number", StatusForFindings("Already Verified | Duplicate Receipt Number"))
}

func TestFilterAmountFlags(t *testing.T) {
	rows := []Row{
		row("8001", "2025-03-10", "l", "8001_0", 0),
		row("8001", "2025-03-10", "l", "8001_1", 0),
		row("8002", "2025-03-11", "l", "8002_0", 5.2),
		row("8003", "2025-03-12", "l", "8003_0", 0),
	}
	flags := FilterAmountFlags("garage_a", rows)
	require.Len(t, flags, 1)
	assert.Equal(t, "8002_0", flags[0].RowID)
	assert.Equal(t, 5.2, flags[0].AmountMismatch)
	assert.Equal(t, "Pending", flags[0].VerificationStatus)
}

func TestReconcilerRunPersistsBothSets(t *testing.T) {
	store := storetest.New()
	r := NewReconciler(store, quietLogger())

	rows := []Row{
		row("8001", "2025-03-10", "link-a", "8001_0", 0),
		row("8002", "2025-03-11", "link-b", "8002_0", 3.5),
	}
	r.Run(context.Background(), "garage_a", rows)

	assert.Len(t, store.Rows(storage.TableVerificationDates), 2)
	assert.Len(t, store.Rows(storage.TableVerificationAmounts), 1)
}

func TestReconcilerRunSkipsFailedInserts(t *testing.T) {
	store := storetest.New()
	store.FailInsert[storage.TableVerificationDates] = true
	r := NewReconciler(store, quietLogger())

	rows := []Row{
		row("8001", "2025-03-10", "link-a", "8001_0", 2.0),
	}
	// header inserts fail, amount inserts still land
	r.Run(context.Background(), "garage_a", rows)
	assert.Empty(t, store.Rows(storage.TableVerificationDates))
	assert.Len(t, store.Rows(storage.TableVerificationAmounts), 1)
}

func TestReconcilerRebuild(t *testing.T) {
	store := storetest.New()
	r := NewReconciler(store, quietLogger())

	// stale verification records for this tenant
	require.NoError(t, store.Insert(context.Background(), storage.TableVerificationDates,
		HeaderRecord{Username: "garage_a", ReceiptNumber: "old"}))
	require.NoError(t, store.Insert(context.Background(), storage.TableVerificationAmounts,
		AmountRecord{Username: "garage_a", RowID: "old_0"}))

	// source rows in the invoices table
	src := row("8001", "2025-03-10", "link-a", "8001_0", 4.0)
	src.Username = "garage_a"
	require.NoError(t, store.Insert(context.Background(), storage.TableInvoices, src))

	require.NoError(t, r.Rebuild(context.Background(), "garage_a"))

	headers := store.Rows(storage.TableVerificationDates)
	require.Len(t, headers, 1)
	assert.Equal(t, "8001", headers[0]["receipt_number"])

	amounts := store.Rows(storage.TableVerificationAmounts)
	require.Len(t, amounts, 1)
	assert.Equal(t, "8001_0", amounts[0]["row_id"])
}

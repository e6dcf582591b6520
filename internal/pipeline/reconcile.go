// reconcile.go - Deterministic derivation of date and amount verification records

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/dates"
	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
)

// HeaderRecord is one date verification record per distinct receipt number.
type HeaderRecord struct {
	Username           string `bson:"username" json:"username"`
	ReceiptNumber      string `bson:"receipt_number" json:"receipt_number"`
	Date               string `bson:"date" json:"date"`
	AuditFindings      string `bson:"audit_findings" json:"audit_findings"`
	VerificationStatus string `bson:"verification_status" json:"verification_status"`
	ReceiptLink        string `bson:"receipt_link" json:"receipt_link"`
	UploadDate         string `bson:"upload_date" json:"upload_date"`
	RowID              string `bson:"row_id" json:"row_id"`
}

// AmountRecord is one amount verification record for a row whose reported
// amount disagrees with quantity times rate.
type AmountRecord struct {
	Username           string  `bson:"username" json:"username"`
	VerificationStatus string  `bson:"verification_status" json:"verification_status"`
	ReceiptNumber      string  `bson:"receipt_number" json:"receipt_number"`
	Description        string  `bson:"description" json:"description"`
	Quantity           float64 `bson:"quantity" json:"quantity"`
	Rate               float64 `bson:"rate" json:"rate"`
	Amount             float64 `bson:"amount" json:"amount"`
	AmountMismatch     float64 `bson:"amount_mismatch" json:"amount_mismatch"`
	ReceiptLink        string  `bson:"receipt_link" json:"receipt_link"`
	RowID              string  `bson:"row_id" json:"row_id"`
}

// Reconciler derives and persists verification records for batches of rows.
type Reconciler struct {
	store storage.RecordStore
	log   *logrus.Logger
}

func NewReconciler(store storage.RecordStore, log *logrus.Logger) *Reconciler {
	return &Reconciler{store: store, log: log}
}

// Run derives both verification record sets from a batch of rows and inserts
// them. Individual insert failures are logged and skipped, never fatal.
func (r *Reconciler) Run(ctx context.Context, username string, rows []Row) {
	if len(rows) == 0 {
		r.log.Info("No rows to create verification records for")
		return
	}

	headers := DeriveHeaders(username, rows)
	inserted := 0
	for _, h := range headers {
		if err := r.store.Insert(ctx, storage.TableVerificationDates, h); err != nil {
			r.log.WithError(err).WithField("receipt_number", h.ReceiptNumber).
				Error("Failed to insert date verification record")
			continue
		}
		inserted++
	}
	r.log.WithField("count", inserted).Info("Created date verification records")

	amounts := FilterAmountFlags(username, rows)
	inserted = 0
	for _, a := range amounts {
		if err := r.store.Insert(ctx, storage.TableVerificationAmounts, a); err != nil {
			r.log.WithError(err).WithField("row_id", a.RowID).
				Error("Failed to insert amount verification record")
			continue
		}
		inserted++
	}
	r.log.WithField("count", inserted).Info("Created amount verification records")
}

// Rebuild clears both verification tables for a tenant and re-derives them
// from the full invoices row set.
func (r *Reconciler) Rebuild(ctx context.Context, username string) error {
	match := bson.M{"username": username}
	for _, table := range []string{storage.TableVerificationDates, storage.TableVerificationAmounts} {
		if _, err := r.store.Delete(ctx, table, match); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	recs, err := r.store.Query(storage.TableInvoices).
		Eq("username", username).
		Execute(ctx)
	if err != nil {
		return fmt.Errorf("failed to load invoice rows: %w", err)
	}

	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		var row Row
		if err := storage.Decode(rec, &row); err != nil {
			r.log.WithError(err).Warn("Skipping undecodable invoice row")
			continue
		}
		rows = append(rows, row)
	}

	r.log.WithFields(logrus.Fields{
		"username": username,
		"rows":     len(rows),
	}).Info("Rebuilding verification records")
	r.Run(ctx, username, rows)
	return nil
}

// group is one receipt's representative row plus its parsed date.
type group struct {
	rep       Row
	parsed    time.Time
	dateValid bool
}

// DeriveHeaders groups rows by receipt number (first-seen representative),
// orders groups by receipt number then parsed date, and builds audit findings
// for each. Deterministic for a given input set.
func DeriveHeaders(username string, rows []Row) []HeaderRecord {
	byReceipt := make(map[string]int)
	groups := make([]group, 0)
	for _, row := range rows {
		if _, seen := byReceipt[row.ReceiptNumber]; seen {
			continue
		}
		parsed, ok := dates.ParseDB(row.Date)
		byReceipt[row.ReceiptNumber] = len(groups)
		groups = append(groups, group{rep: row, parsed: parsed, dateValid: ok})
	}

	// Duplicate counts run over the full input row set, not the grouped one.
	receiptCount := make(map[string]int)
	linkCount := make(map[string]int)
	for _, row := range rows {
		receiptCount[row.ReceiptNumber]++
		linkCount[row.ReceiptLink]++
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].rep.ReceiptNumber != groups[j].rep.ReceiptNumber {
			return groups[i].rep.ReceiptNumber < groups[j].rep.ReceiptNumber
		}
		// Unparseable dates order after valid ones.
		if groups[i].dateValid != groups[j].dateValid {
			return groups[i].dateValid
		}
		return groups[i].parsed.Before(groups[j].parsed)
	})

	records := make([]HeaderRecord, 0, len(groups))
	for i, g := range groups {
		var findings []string

		if i > 0 && g.dateValid && groups[i-1].dateValid {
			diff := int(g.parsed.Sub(groups[i-1].parsed).Hours() / 24)
			if diff != 0 && diff != 1 {
				findings = append(findings, fmt.Sprintf("Date Diff: %d", diff))
			}
		}
		if !g.dateValid {
			findings = append(findings, "Missing Date")
		}
		if g.rep.ReceiptNumber != "" && receiptCount[g.rep.ReceiptNumber] > 1 {
			findings = append(findings, "Duplicate Receipt Number")
		}
		if g.rep.ReceiptLink != "" && linkCount[g.rep.ReceiptLink] > 1 {
			findings = append(findings, "Duplicate Receipt Link")
		}

		audit := strings.Join(findings, " | ")
		records = append(records, HeaderRecord{
			Username:           username,
			ReceiptNumber:      g.rep.ReceiptNumber,
			Date:               g.rep.Date,
			AuditFindings:      audit,
			VerificationStatus: StatusForFindings(audit),
			ReceiptLink:        g.rep.ReceiptLink,
			UploadDate:         g.rep.UploadDate,
			RowID:              g.rep.RowID,
		})
	}
	return records
}

// StatusForFindings maps an audit findings string to a verification status.
// "Already Verified" is reserved for callers that inject it into findings.
func StatusForFindings(audit string) string {
	audit = strings.TrimSpace(audit)
	switch {
	case strings.Contains(audit, "Duplicate Receipt Number"):
		return "Duplicate Receipt Number"
	case strings.Contains(audit, "Already Verified"):
		return "Already Verified"
	case audit == "":
		return "Done"
	default:
		return "Pending"
	}
}

// FilterAmountFlags keeps only rows with a strictly positive amount mismatch.
func FilterAmountFlags(username string, rows []Row) []AmountRecord {
	records := make([]AmountRecord, 0)
	for _, row := range rows {
		if row.AmountMismatch <= 0 {
			continue
		}
		records = append(records, AmountRecord{
			Username:           username,
			VerificationStatus: "Pending",
			ReceiptNumber:      row.ReceiptNumber,
			Description:        row.Description,
			Quantity:           row.Quantity,
			Rate:               row.Rate,
			Amount:             row.Amount,
			AmountMismatch:     row.AmountMismatch,
			ReceiptLink:        row.ReceiptLink,
			RowID:              row.RowID,
		})
	}
	return records
}

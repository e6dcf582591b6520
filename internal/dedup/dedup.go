// dedup.go - Content fingerprinting and duplicate invoice detection

package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
)

// ExistingRecord carries the identifying fields of an already-stored invoice
// matching a fingerprint.
type ExistingRecord struct {
	RowID           string  `bson:"row_id" json:"row_id"`
	ReceiptNumber   string  `bson:"receipt_number" json:"receipt_number"`
	Date            string  `bson:"date" json:"date"`
	CustomerName    string  `bson:"customer_name" json:"customer_name"`
	TotalBillAmount float64 `bson:"total_bill_amount" json:"total_bill_amount"`
	ReceiptLink     string  `bson:"receipt_link" json:"receipt_link"`
	UploadDate      string  `bson:"upload_date" json:"upload_date"`
	ImageHash       string  `bson:"image_hash" json:"image_hash"`
	Table           string  `bson:"-" json:"table"` // which store the hit came from
}

// Service checks content fingerprints against the in-progress and finalized
// record stores.
type Service struct {
	store storage.RecordStore
	log   *logrus.Logger
}

func NewService(store storage.RecordStore, log *logrus.Logger) *Service {
	return &Service{store: store, log: log}
}

// Fingerprint computes the SHA-256 hex digest of raw document content.
// Identity is content-addressed: filename and path play no part.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FindDuplicate checks the in-progress store first, then the finalized
// store, short-circuiting on the first hit. Store errors are logged and
// treated as "not found" so an unavailable table never blocks intake.
func (s *Service) FindDuplicate(ctx context.Context, fingerprint, username string) *ExistingRecord {
	for _, table := range []string{storage.TableInvoices, storage.TableVerifiedInvoices} {
		docs, err := s.store.Query(table).
			Eq("image_hash", fingerprint).
			Eq("username", username).
			Limit(1).
			Execute(ctx)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"table": table,
				"hash":  shortHash(fingerprint),
			}).Errorf("duplicate check failed: %v", err)
			continue
		}
		if len(docs) == 0 {
			continue
		}

		var rec ExistingRecord
		if err := storage.Decode(docs[0], &rec); err != nil {
			s.log.Errorf("failed to decode duplicate record from %s: %v", table, err)
			continue
		}
		rec.Table = table
		s.log.WithFields(logrus.Fields{
			"table":   table,
			"hash":    shortHash(fingerprint),
			"receipt": rec.ReceiptNumber,
		}).Info("duplicate found")
		return &rec
	}
	return nil
}

// PurgeByFingerprint deletes every record matching the fingerprint and user
// across the in-progress, finalized, and both verification tables. Used only
// when a caller explicitly reprocesses a known duplicate. Deleting zero rows
// is success; per-table failures are logged and skipped.
func (s *Service) PurgeByFingerprint(ctx context.Context, fingerprint, username string) int64 {
	tables := []string{
		storage.TableInvoices,
		storage.TableVerifiedInvoices,
		storage.TableVerificationDates,
		storage.TableVerificationAmounts,
	}

	var total int64
	for _, table := range tables {
		deleted, err := s.store.Delete(ctx, table, bson.M{
			"image_hash": fingerprint,
			"username":   username,
		})
		if err != nil {
			s.log.WithField("table", table).Errorf("purge failed: %v", err)
			continue
		}
		total += deleted
	}

	s.log.WithFields(logrus.Fields{
		"hash":    shortHash(fingerprint),
		"deleted": total,
	}).Info("purged records for fingerprint")
	return total
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

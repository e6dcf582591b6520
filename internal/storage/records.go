// records.go - Record store contract consumed by the pipeline

package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Logical table names. Rows live in Invoices until a reviewer finalizes them
// into VerifiedInvoices; the two verification tables hold the derived review
// records.
const (
	TableInvoices            = "invoices"
	TableVerifiedInvoices    = "verified_invoices"
	TableVerificationDates   = "verification_dates"
	TableVerificationAmounts = "verification_amounts"
	TableUserConfigs         = "user_configs"
)

// Query builds an equality-filtered read against one table. Filters combine
// by AND.
type Query interface {
	Eq(field string, value any) Query
	Sort(field string) Query
	Limit(n int64) Query
	Execute(ctx context.Context) ([]bson.M, error)
}

// RecordStore is the narrow persistence contract the pipeline consumes.
// Insert marshals any bson-taggable document; Delete removes every record
// matching the filter and reports how many were removed (zero is success).
type RecordStore interface {
	Insert(ctx context.Context, table string, doc any) error
	Delete(ctx context.Context, table string, match bson.M) (int64, error)
	Query(table string) Query
}

// Decode converts a raw record into a typed document via bson round-trip.
func Decode(rec bson.M, out any) error {
	data, err := bson.Marshal(rec)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, out)
}

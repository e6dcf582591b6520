// Package storetest provides an in-memory RecordStore for package tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/invoiceinsights/invoice_ocr_pipeline/internal/storage"
)

// Store is an in-memory RecordStore. Zero value is not usable; call New.
type Store struct {
	mu     sync.Mutex
	tables map[string][]bson.M

	// FailInsert makes Insert return an error for the named tables.
	FailInsert map[string]bool
	// FailQuery makes Query.Execute return an error for the named tables.
	FailQuery map[string]bool
	// FailDelete makes Delete return an error for the named tables.
	FailDelete map[string]bool

	InsertCount int
}

func New() *Store {
	return &Store{
		tables:     make(map[string][]bson.M),
		FailInsert: make(map[string]bool),
		FailQuery:  make(map[string]bool),
		FailDelete: make(map[string]bool),
	}
}

// Seed adds a record to a table without going through Insert counting.
func (s *Store) Seed(table string, rec bson.M) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], rec)
}

// Rows returns a copy of a table's contents.
func (s *Store) Rows(table string) []bson.M {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bson.M, len(s.tables[table]))
	copy(out, s.tables[table])
	return out
}

func (s *Store) Insert(ctx context.Context, table string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert[table] {
		return fmt.Errorf("insert into %s failed", table)
	}

	// Round-trip through bson so typed documents land as generic records,
	// the same shape a real driver query would return.
	data, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	var rec bson.M
	if err := bson.Unmarshal(data, &rec); err != nil {
		return err
	}
	s.tables[table] = append(s.tables[table], rec)
	s.InsertCount++
	return nil
}

func (s *Store) Delete(ctx context.Context, table string, match bson.M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDelete[table] {
		return 0, fmt.Errorf("delete from %s failed", table)
	}

	var kept []bson.M
	var deleted int64
	for _, rec := range s.tables[table] {
		if matches(rec, match) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.tables[table] = kept
	return deleted, nil
}

func (s *Store) Query(table string) storage.Query {
	return &query{store: s, table: table, filter: bson.M{}}
}

type query struct {
	store  *Store
	table  string
	filter bson.M
	sort   string
	limit  int64
}

func (q *query) Eq(field string, value any) storage.Query {
	q.filter[field] = value
	return q
}

func (q *query) Sort(field string) storage.Query {
	q.sort = field
	return q
}

func (q *query) Limit(n int64) storage.Query {
	q.limit = n
	return q
}

func (q *query) Execute(ctx context.Context) ([]bson.M, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if q.store.FailQuery[q.table] {
		return nil, fmt.Errorf("query %s failed", q.table)
	}

	var out []bson.M
	for _, rec := range q.store.tables[q.table] {
		if matches(rec, q.filter) {
			out = append(out, rec)
		}
	}
	if q.sort != "" {
		field := q.sort
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprintf("%v", out[i][field]) < fmt.Sprintf("%v", out[j][field])
		})
	}
	if q.limit > 0 && int64(len(out)) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

func matches(rec bson.M, filter bson.M) bool {
	for k, v := range filter {
		if fmt.Sprintf("%v", rec[k]) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}

// batch_context.go - Batch tracking and logging system

package common

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TokenUsage tracks extraction service token consumption and cost.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostINR      float64 `json:"cost_inr"`
}

// BatchContext tracks one batch run: identity, timing, and aggregated usage.
// AddUsage is safe to call from multiple workers.
type BatchContext struct {
	BatchID   string
	Username  string
	StartTime time.Time

	mu    sync.Mutex
	usage TokenUsage
	log   *logrus.Logger
}

func NewBatchContext(username string, log *logrus.Logger) *BatchContext {
	bc := &BatchContext{
		BatchID:   uuid.New().String(),
		Username:  username,
		StartTime: time.Now(),
		log:       log,
	}
	bc.Logger().Info("🚀 Batch started")
	return bc
}

// Logger returns an entry pre-tagged with the batch identity.
func (bc *BatchContext) Logger() *logrus.Entry {
	return bc.log.WithFields(logrus.Fields{
		"batch_id": bc.BatchID,
		"username": bc.Username,
	})
}

func (bc *BatchContext) AddUsage(inputTokens, outputTokens, totalTokens int, costINR float64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.usage.InputTokens += inputTokens
	bc.usage.OutputTokens += outputTokens
	bc.usage.TotalTokens += totalTokens
	bc.usage.CostINR += costINR
}

func (bc *BatchContext) Usage() TokenUsage {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.usage
}

// Finish logs the batch summary and returns the elapsed duration.
func (bc *BatchContext) Finish(processed, failed, duplicates int) time.Duration {
	elapsed := time.Since(bc.StartTime)
	usage := bc.Usage()
	bc.Logger().WithFields(logrus.Fields{
		"processed":    processed,
		"failed":       failed,
		"duplicates":   duplicates,
		"total_tokens": usage.TotalTokens,
		"cost_inr":     usage.CostINR,
		"elapsed":      elapsed.Round(time.Millisecond).String(),
	}).Info("✓ Batch finished")
	return elapsed
}

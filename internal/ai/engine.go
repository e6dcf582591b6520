// engine.go - Two-tier extraction state machine with retry, escalation, and cost tracking

package ai

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Limiter gates outbound extraction calls. Acquire blocks until a call slot
// is available.
type Limiter interface {
	Acquire()
}

// Config carries the engine tuning knobs. Prices are USD per million tokens.
type Config struct {
	PrimaryModel  string
	FallbackModel string
	MaxRetries    int

	AccuracyThreshold      float64
	CriticalFieldThreshold float64

	FlashInputPricePerMillion  float64
	FlashOutputPricePerMillion float64
	ProInputPricePerMillion    float64
	ProOutputPricePerMillion   float64
	USDToINR                   float64
}

// Result is one successful extraction: the decoded payload plus model,
// confidence, token, and cost metadata.
type Result struct {
	Header map[string]any
	Items  []map[string]any

	ModelUsed               string
	ModelAccuracy           float64
	OverallConfidence       float64
	ReceiptNumberConfidence float64
	DateConfidence          float64

	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostINR      float64

	FallbackAttempted bool
	FallbackReason    string
	ProcessingErrors  []string
}

type engineState int

const (
	stateTryPrimary engineState = iota
	stateTryFallback
	stateFailed
)

// Engine drives the primary/fallback extraction flow for one document at a
// time. Safe for concurrent use; every call shares the limiter.
type Engine struct {
	gen     Generator
	limiter Limiter
	cfg     Config
	log     *logrus.Logger

	// sleep is replaced in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

func NewEngine(gen Generator, limiter Limiter, cfg Config, log *logrus.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Engine{
		gen:     gen,
		limiter: limiter,
		cfg:     cfg,
		log:     log,
		sleep:   time.Sleep,
	}
}

// Extract runs the full state machine for one document image. A nil error
// guarantees a structurally valid Result; an error means both tiers were
// exhausted without one.
func (e *Engine) Extract(ctx context.Context, image []byte, mimeType, instruction string) (*Result, error) {
	var (
		state          = stateTryPrimary
		safetyNet      *Result
		fallbackReason string
		errs           []string
	)

	for {
		switch state {
		case stateTryPrimary:
			res, err := e.runModel(ctx, e.cfg.PrimaryModel, image, mimeType, instruction, &errs)
			if err != nil {
				state = stateFailed
				continue
			}
			reason, escalate := e.escalationReason(res)
			if !escalate {
				res.ProcessingErrors = errs
				return res, nil
			}
			e.log.WithFields(logrus.Fields{
				"model":  e.cfg.PrimaryModel,
				"reason": reason,
			}).Warn("⚠️ Escalating to fallback model")
			safetyNet = res
			fallbackReason = reason
			state = stateTryFallback

		case stateTryFallback:
			res, err := e.runModel(ctx, e.cfg.FallbackModel, image, mimeType, instruction, &errs)
			if err == nil {
				res.FallbackAttempted = true
				res.FallbackReason = fallbackReason
				res.ProcessingErrors = errs
				return res, nil
			}
			if safetyNet != nil {
				// The primary result stays valid even when the fallback
				// tier burns its whole budget.
				errs = append(errs, fmt.Sprintf("fallback model failed, using primary result: %v", err))
				safetyNet.FallbackAttempted = true
				safetyNet.FallbackReason = fallbackReason
				safetyNet.ProcessingErrors = errs
				return safetyNet, nil
			}
			state = stateFailed

		case stateFailed:
			return nil, fmt.Errorf("extraction failed: %s", strings.Join(errs, " | "))
		}
	}
}

// runModel burns one retry budget against a single model. Transport errors,
// malformed JSON, and missing sections all count as retryable attempts.
func (e *Engine) runModel(ctx context.Context, model string, image []byte, mimeType, instruction string, errs *[]string) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		e.limiter.Acquire()

		resp, err := e.gen.Generate(ctx, image, mimeType, instruction, model)
		if err != nil {
			cat := categorize(err)
			lastErr = cat
			*errs = append(*errs, fmt.Sprintf("%s attempt %d: %s", model, attempt+1, cat.Error()))
			e.log.WithFields(logrus.Fields{
				"model":    model,
				"attempt":  attempt + 1,
				"category": cat.Category,
			}).WithError(err).Warn("Extraction call failed")
			if attempt < e.cfg.MaxRetries-1 {
				e.backoff(attempt)
			}
			continue
		}

		header, items, perr := parsePayload(resp.Text)
		if perr != nil {
			lastErr = perr
			*errs = append(*errs, fmt.Sprintf("%s attempt %d: %v", model, attempt+1, perr))
			e.log.WithFields(logrus.Fields{
				"model":   model,
				"attempt": attempt + 1,
			}).WithError(perr).Warn("Unusable extraction response")
			if attempt < e.cfg.MaxRetries-1 {
				e.backoff(attempt)
			}
			continue
		}

		accuracy := calculateAccuracy(items)
		res := &Result{
			Header:                  header,
			Items:                   items,
			ModelUsed:               model,
			ModelAccuracy:           round2(accuracy),
			OverallConfidence:       headerConfidence(header, "overall_confidence"),
			ReceiptNumberConfidence: headerConfidence(header, "receipt_number_confidence"),
			DateConfidence:          headerConfidence(header, "date_confidence"),
			InputTokens:             resp.Usage.InputTokens,
			OutputTokens:            resp.Usage.OutputTokens,
			TotalTokens:             resp.Usage.TotalTokens,
			CostINR:                 e.costINR(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		}
		e.log.WithFields(logrus.Fields{
			"model":    model,
			"accuracy": res.ModelAccuracy,
			"items":    len(items),
			"tokens":   res.TotalTokens,
		}).Info("✓ Extraction succeeded")
		return res, nil
	}

	failure := fmt.Errorf("%s failed after %d attempts: %w", model, e.cfg.MaxRetries, lastErr)
	*errs = append(*errs, failure.Error())
	return nil, failure
}

// escalationReason decides whether a primary result is trustworthy enough to
// keep. Any threshold miss escalates.
func (e *Engine) escalationReason(res *Result) (string, bool) {
	switch {
	case res.ModelAccuracy < e.cfg.AccuracyThreshold:
		return fmt.Sprintf("low accuracy (%.2f%%)", res.ModelAccuracy), true
	case res.OverallConfidence < e.cfg.AccuracyThreshold:
		return fmt.Sprintf("low overall confidence (%.2f%%)", res.OverallConfidence), true
	case res.ReceiptNumberConfidence < e.cfg.CriticalFieldThreshold:
		return fmt.Sprintf("low receipt number confidence (%.2f%%)", res.ReceiptNumberConfidence), true
	case res.DateConfidence < e.cfg.CriticalFieldThreshold:
		return fmt.Sprintf("low date confidence (%.2f%%)", res.DateConfidence), true
	}
	return "", false
}

// backoff sleeps 2^attempt seconds between retries. Callers skip it on the
// final attempt of a budget; there is nothing left to wait for.
func (e *Engine) backoff(attempt int) {
	e.sleep(time.Duration(math.Pow(2, float64(attempt))) * time.Second)
}

// costINR prices one call in INR, rounded to 4 decimal places. Flash-family
// models use the cheap rate, everything else the pro rate.
func (e *Engine) costINR(model string, inputTokens, outputTokens int) float64 {
	inPrice := e.cfg.ProInputPricePerMillion
	outPrice := e.cfg.ProOutputPricePerMillion
	if strings.Contains(strings.ToLower(model), "flash") {
		inPrice = e.cfg.FlashInputPricePerMillion
		outPrice = e.cfg.FlashOutputPricePerMillion
	}

	million := decimal.NewFromInt(1_000_000)
	inCost := decimal.NewFromInt(int64(inputTokens)).Div(million).Mul(decimal.NewFromFloat(inPrice))
	outCost := decimal.NewFromInt(int64(outputTokens)).Div(million).Mul(decimal.NewFromFloat(outPrice))
	total := inCost.Add(outCost).Mul(decimal.NewFromFloat(e.cfg.USDToINR))
	f, _ := total.Round(4).Float64()
	return f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// request_context.go - Request tracking and logging system

package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestContext tracks a single conversion request with step timing and token costs.
// It is owned by one request goroutine and is not safe for concurrent use.
// All methods are no-ops on a nil receiver so backends can be called without one.
type RequestContext struct {
	RequestID           string
	AccountRef          string
	StartTime           time.Time
	Steps               []StepLog
	TotalTokens         TokenUsage
	CurrentStep         string
	CurrentStepStart    time.Time
	CurrentSubSteps     []SubStepLog
	CurrentSubStep      string
	CurrentSubStepStart time.Time

	logger zerolog.Logger
}

// StepLog represents a single processing step
type StepLog struct {
	Name      string       `json:"name"`
	StartTime time.Time    `json:"start_time"`
	Duration  int64        `json:"duration_ms"`
	Status    string       `json:"status"` // "success", "failed", "skipped"
	Tokens    *TokenUsage  `json:"tokens,omitempty"`
	Error     string       `json:"error,omitempty"`
	SubSteps  []SubStepLog `json:"sub_steps,omitempty"`
}

// SubStepLog represents a detailed sub-operation within a step
type SubStepLog struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Duration  int64     `json:"duration_ms"`
	Details   string    `json:"details,omitempty"`
}

// TokenUsage tracks generative API token consumption
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Pricing holds per-million token prices in USD.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost computes the usage for the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int) TokenUsage {
	inputCost := float64(inputTokens) * p.InputPerMillion / 1_000_000
	outputCost := float64(outputTokens) * p.OutputPerMillion / 1_000_000
	return TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      inputCost + outputCost,
	}
}

var stepDescriptions = map[string]string{
	"validate":        "🧾 validate request",
	"resolve_account": "👤 resolve account & cost",
	"extract":         "🔍 extract text",
	"normalize":       "🧹 normalize output",
	"translate":       "🌐 translate",
	"commit":          "💾 commit credits & history",
}

// NewRequestContext creates a new request tracking context.
// An empty accountRef means an anonymous caller.
func NewRequestContext(accountRef string) *RequestContext {
	reqID := uuid.New().String()
	now := time.Now()

	who := accountRef
	if who == "" {
		who = "anonymous"
	}
	logger := log.With().Str("request_id", reqID).Str("account", who).Logger()
	logger.Info().Msg("🚀 new conversion request")

	return &RequestContext{
		RequestID:  reqID,
		AccountRef: accountRef,
		StartTime:  now,
		Steps:      []StepLog{},
		logger:     logger,
	}
}

// Logger returns the request-scoped logger.
func (rc *RequestContext) Logger() *zerolog.Logger {
	if rc == nil {
		l := log.Logger
		return &l
	}
	return &rc.logger
}

// StartStep begins tracking a new processing step
func (rc *RequestContext) StartStep(stepName string) {
	if rc == nil {
		return
	}
	rc.CurrentStep = stepName
	rc.CurrentStepStart = time.Now()

	desc := stepDescriptions[stepName]
	if desc == "" {
		desc = stepName
	}
	rc.logger.Debug().Str("step", stepName).Msg("┌── " + desc)
}

// EndStep completes the current step and records timing
func (rc *RequestContext) EndStep(status string, tokens *TokenUsage, err error) {
	if rc == nil || rc.CurrentStep == "" {
		return
	}
	duration := time.Since(rc.CurrentStepStart).Milliseconds()

	stepLog := StepLog{
		Name:      rc.CurrentStep,
		StartTime: rc.CurrentStepStart,
		Duration:  duration,
		Status:    status,
		Tokens:    tokens,
		SubSteps:  rc.CurrentSubSteps,
	}

	if err != nil {
		stepLog.Error = err.Error()
		rc.logger.Error().
			Str("step", rc.CurrentStep).
			Int64("duration_ms", duration).
			Err(err).
			Msg("❌ step failed")
	} else {
		evt := rc.logger.Info().
			Str("step", rc.CurrentStep).
			Str("status", status).
			Int64("duration_ms", duration)

		if tokens != nil {
			rc.TotalTokens.InputTokens += tokens.InputTokens
			rc.TotalTokens.OutputTokens += tokens.OutputTokens
			rc.TotalTokens.TotalTokens += tokens.TotalTokens
			rc.TotalTokens.CostUSD += tokens.CostUSD
			evt = evt.Int("tokens", tokens.TotalTokens).Float64("cost_usd", tokens.CostUSD)
		}
		if len(rc.CurrentSubSteps) > 0 {
			evt = evt.Int("sub_steps", len(rc.CurrentSubSteps))
		}
		evt.Msg("└── ✅ step done")
	}

	rc.Steps = append(rc.Steps, stepLog)
	rc.CurrentStep = ""
	rc.CurrentSubSteps = []SubStepLog{}
}

// StartSubStep begins tracking a detailed sub-operation
func (rc *RequestContext) StartSubStep(subStepName string) {
	if rc == nil {
		return
	}
	rc.CurrentSubStep = subStepName
	rc.CurrentSubStepStart = time.Now()
	rc.logger.Debug().Str("sub_step", subStepName).Msg("   ├─ start")
}

// EndSubStep completes the current sub-step and records timing
func (rc *RequestContext) EndSubStep(details string) {
	if rc == nil || rc.CurrentSubStep == "" {
		return
	}

	duration := time.Since(rc.CurrentSubStepStart).Milliseconds()
	rc.CurrentSubSteps = append(rc.CurrentSubSteps, SubStepLog{
		Name:      rc.CurrentSubStep,
		StartTime: rc.CurrentSubStepStart,
		Duration:  duration,
		Details:   details,
	})

	rc.logger.Debug().
		Str("sub_step", rc.CurrentSubStep).
		Int64("duration_ms", duration).
		Str("details", details).
		Msg("   └─ done")

	rc.CurrentSubStep = ""
}

// LogInfo logs info-level message with request ID
func (rc *RequestContext) LogInfo(format string, args ...interface{}) {
	rc.Logger().Info().Msg(fmt.Sprintf(format, args...))
}

// LogWarning logs warning-level message with request ID
func (rc *RequestContext) LogWarning(format string, args ...interface{}) {
	rc.Logger().Warn().Msg(fmt.Sprintf(format, args...))
}

// LogError logs error-level message with request ID
func (rc *RequestContext) LogError(format string, args ...interface{}) {
	rc.Logger().Error().Msg(fmt.Sprintf(format, args...))
}

// GetSummary returns a final summary of the entire request
func (rc *RequestContext) GetSummary() map[string]interface{} {
	if rc == nil {
		return map[string]interface{}{}
	}
	totalDuration := time.Since(rc.StartTime).Milliseconds()

	stepBreakdown := make(map[string]int64)
	failed := ""
	for _, step := range rc.Steps {
		stepBreakdown[step.Name] = step.Duration
		if step.Status == "failed" && failed == "" {
			failed = step.Name
		}
	}

	summary := map[string]interface{}{
		"request_id":        rc.RequestID,
		"total_duration_ms": totalDuration,
		"step_breakdown":    stepBreakdown,
		"total_steps":       len(rc.Steps),
		"token_usage": map[string]interface{}{
			"input_tokens":  rc.TotalTokens.InputTokens,
			"output_tokens": rc.TotalTokens.OutputTokens,
			"total_tokens":  rc.TotalTokens.TotalTokens,
			"cost_usd":      fmt.Sprintf("$%.4f", rc.TotalTokens.CostUSD),
		},
	}
	if failed != "" {
		summary["failed_step"] = failed
	}

	rc.logger.Info().
		Int64("total_ms", totalDuration).
		Int("steps", len(rc.Steps)).
		Int("tokens", rc.TotalTokens.TotalTokens).
		Float64("cost_usd", rc.TotalTokens.CostUSD).
		Msg("🎯 request finished")

	return summary
}

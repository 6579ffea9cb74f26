package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// CallObserver receives one observation per provider call.
type CallObserver interface {
	ObserveAttempt(model string, success bool, seconds float64)
	ObserveTokens(model string, prompt, completion, reasoning int)
}

// LoggingProvider is a decorator that logs every LLM request and reports
// it to an optional observer.
type LoggingProvider struct {
	inner    Provider
	observer CallObserver
}

// WithLogging wraps a Provider with structured request logging.
func WithLogging(p Provider, observer CallObserver) Provider {
	return &LoggingProvider{inner: p, observer: observer}
}

func (l *LoggingProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	purpose := PurposeFrom(ctx)

	resp, err := l.inner.Generate(ctx, req)

	latency := time.Since(start)
	modelID := l.inner.ModelID()
	if req.Model != "" {
		modelID = req.Model
	}

	ev := log.Debug()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev = ev.Str("model", modelID).
		Str("purpose", purpose).
		Dur("latency", latency).
		Bool("success", err == nil)

	if resp != nil {
		ev = ev.Int("prompt_tokens", resp.Usage.PromptTokens).
			Int("completion_tokens", resp.Usage.CompletionTokens).
			Str("stop_reason", resp.StopReason)
		if resp.Usage.ReasoningTokens != nil {
			ev = ev.Int("reasoning_tokens", *resp.Usage.ReasoningTokens)
		}
	}
	ev.Msg("llm request")

	if l.observer != nil {
		l.observer.ObserveAttempt(modelID, err == nil, latency.Seconds())
		if resp != nil {
			reasoning := 0
			if resp.Usage.ReasoningTokens != nil {
				reasoning = *resp.Usage.ReasoningTokens
			}
			l.observer.ObserveTokens(modelID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, reasoning)
		}
	}

	return resp, err
}

func (l *LoggingProvider) ModelID() string {
	return l.inner.ModelID()
}

type contextKey string

const purposeKey contextKey = "llm_purpose"

// WithPurpose attaches a purpose label to the context for request logging,
// e.g. "classify:<experiment id>".
func WithPurpose(ctx context.Context, purpose string) context.Context {
	return context.WithValue(ctx, purposeKey, purpose)
}

// PurposeFrom extracts the purpose label from the context.
func PurposeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(purposeKey).(string); ok {
		return v
	}
	return "unknown"
}

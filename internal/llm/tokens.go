package llm

import (
	"github.com/rs/zerolog/log"

	"github.com/abhisek/threadlab/internal/model"
)

// Tokens is the usage extracted from a response. Error is set when the
// usage could not be read; the counts are then zero.
type Tokens struct {
	model.TokenUsage
	Error string
}

// ExtractTokens reads token usage from a response. It never fails: on a
// missing or inconsistent usage block it logs and returns zeros with Error
// set.
func ExtractTokens(resp *Response) Tokens {
	if resp == nil {
		log.Warn().Msg("extract tokens: nil response")
		return Tokens{Error: "no response"}
	}

	u := resp.Usage
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
		log.Warn().
			Int("prompt", u.PromptTokens).
			Int("completion", u.CompletionTokens).
			Int("total", u.TotalTokens).
			Msg("extract tokens: negative usage reported")
		return Tokens{Error: "negative token counts in usage"}
	}

	out := Tokens{TokenUsage: model.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	if u.ReasoningTokens != nil {
		r := *u.ReasoningTokens
		if r < 0 {
			r = 0
		}
		out.ReasoningTokens = &r
	}
	if out.IsZero() {
		log.Debug().Str("model", resp.Model).Msg("extract tokens: provider reported no usage")
	}
	return out
}

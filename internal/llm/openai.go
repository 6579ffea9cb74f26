package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openaiModels maps friendly names to OpenAI model IDs.
var openaiModels = map[string]string{
	"gpt-4o":      "gpt-4o",
	"gpt-4o-mini": "gpt-4o-mini",
}

// Limiter hands out request permits per credential.
type Limiter interface {
	Acquire(ctx context.Context, credential string) (time.Duration, error)
}

// ClientOptions are the transport settings shared by OpenAI-compatible
// providers.
type ClientOptions struct {
	// Limiter, when set, is acquired before every request using the
	// provider's API key as the credential.
	Limiter Limiter

	// Timeout bounds a single HTTP call. Zero means no per-call timeout.
	Timeout time.Duration

	// StructuredOutput sends Request.Schema as a strict json_schema
	// response format.
	StructuredOutput bool

	// HTTPClient replaces the default HTTP client.
	HTTPClient *http.Client

	// Headers are set on every request.
	Headers map[string]string
}

// OpenAIProvider implements Provider using the OpenAI SDK.
// It also supports OpenRouter and other OpenAI-compatible APIs via BaseURL.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	credential string
	opts       ClientOptions
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig, opts ClientOptions) (*OpenAIProvider, error) {
	cfg.Model = resolveModel(cfg.Model, openaiModels)
	return newOpenAIProvider(cfg, opts)
}

// newOpenAIProvider builds the provider without friendly-name mapping.
func newOpenAIProvider(cfg OpenAIConfig, opts ClientOptions) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	config.HTTPClient = &retryAfterDoer{inner: httpClient, headers: opts.Headers}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(config),
		model:      cfg.Model,
		credential: cfg.APIKey,
		opts:       opts,
	}, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if p.opts.Limiter != nil {
		if _, err := p.opts.Limiter.Acquire(ctx, p.credential); err != nil {
			return nil, err
		}
	}

	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	ra := &retryAfter{}
	callCtx = context.WithValue(callCtx, retryAfterKey{}, ra)

	resp, err := p.client.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &ErrProviderUnavailable{
				Err: fmt.Errorf("call timed out after %s: %w", p.opts.Timeout, err),
			}
		}
		return nil, mapOpenAIError(err, ra.value())
	}

	out := &Response{
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:      resp.Model,
		StopReason: StopError,
	}
	if d := resp.Usage.CompletionTokensDetails; d != nil {
		reasoning := d.ReasoningTokens
		out.Usage.ReasoningTokens = &reasoning
	}

	// An empty choice list still consumed tokens; the caller decides what
	// an empty body means.
	if len(resp.Choices) > 0 {
		out.Content = json.RawMessage(resp.Choices[0].Message.Content)
		out.StopReason = mapOpenAIStopReason(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func (p *OpenAIProvider) ModelID() string {
	return p.model
}

func (p *OpenAIProvider) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:               model,
		Messages:            buildOpenAIMessages(req),
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         float32(req.Temperature),
		ReasoningEffort:     req.ReasoningEffort,
	}

	// Use JSON schema response format when requested.
	if p.opts.StructuredOutput && req.Schema != nil {
		schemaBytes, err := json.Marshal(req.Schema.Definition)
		if err != nil {
			return chatReq, fmt.Errorf("marshal schema: %w", err)
		}

		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: json.RawMessage(schemaBytes),
				Strict: true,
			},
		}
	}
	return chatReq, nil
}

func buildOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage

	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	return messages
}

func mapOpenAIStopReason(reason openai.FinishReason) string {
	if reason == openai.FinishReasonLength {
		return StopMaxTokens
	}
	return StopEnd
}

func mapOpenAIError(err error, retryAfter time.Duration) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &ErrRateLimit{RetryAfter: retryAfter, Err: err}
	case status >= 500:
		return &ErrProviderUnavailable{StatusCode: status, Err: err}
	case status >= 400:
		return &ErrRequestRejected{StatusCode: status, Err: err}
	}
	return &ErrProviderUnavailable{Err: err}
}

func resolveModel(name string, table map[string]string) string {
	if id, ok := table[name]; ok {
		return id
	}
	return name
}

// The SDK does not expose response headers on errors, so a wrapping doer
// records Retry-After on 429 responses into a slot carried by the request
// context.
type retryAfterKey struct{}

type retryAfter struct {
	d time.Duration
}

func (r *retryAfter) value() time.Duration {
	if r == nil {
		return 0
	}
	return r.d
}

type retryAfterDoer struct {
	inner   *http.Client
	headers map[string]string
}

func (d *retryAfterDoer) Do(req *http.Request) (*http.Response, error) {
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	resp, err := d.inner.Do(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	if slot, ok := req.Context().Value(retryAfterKey{}).(*retryAfter); ok {
		slot.d = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return resp, err
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

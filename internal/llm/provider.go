package llm

import (
	"context"
	"encoding/json"
)

// Provider sends one chat completion to an OpenAI-compatible endpoint.
type Provider interface {
	// Generate returns the completion as the provider sent it. A response
	// is returned whenever the provider answered, even if its content is
	// unusable, so the caller can still account for the billed tokens.
	// Parsing and validation are the caller's job.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the default model of the provider.
	ModelID() string
}

// Request is a single-turn classification call: a system prompt carrying
// the instructions and response format, and the rendered user prompt.
type Request struct {
	System   string
	Messages []Message

	// Model overrides the provider's default model when non-empty.
	Model string

	// ReasoningEffort is forwarded as reasoning_effort when non-empty.
	ReasoningEffort string

	// Schema is sent as a json_schema response format when the provider
	// has structured output enabled. It is always validated locally.
	Schema *Schema

	// Zero values leave the provider defaults.
	MaxTokens   int
	Temperature float64
}

// Message is one chat message.
type Message struct {
	Role    Role
	Content string
}

// Role is the sender of a Message. The system prompt travels in
// Request.System.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Schema is a named JSON schema for the response body.
type Schema struct {
	// Name is the json_schema name, e.g. "labels-<template id>".
	Name        string
	Description string
	Definition  map[string]any
}

// Stop reasons, normalized across providers.
const (
	StopEnd       = "end"
	StopMaxTokens = "max_tokens"
	StopError     = "error"
)

// Response is a completion and what it cost.
type Response struct {
	// Content is choices[0].message.content, unparsed.
	Content json.RawMessage
	Usage   Usage

	// Model is the model that served the call, which OpenRouter may
	// resolve differently from the requested id.
	Model string

	// StopReason is one of StopEnd, StopMaxTokens or StopError.
	StopReason string
}

// Usage is the usage block of a completion, named as the OpenAI API names
// it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// ReasoningTokens is set only when the provider reports
	// completion_tokens_details.reasoning_tokens. They are already counted
	// in CompletionTokens.
	ReasoningTokens *int
}

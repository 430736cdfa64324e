// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package llm is a minimal client for OpenAI-compatible chat-completions
// endpoints. It performs one request per call; retrying is left to the
// caller so that response processing can share the same retry budget.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pdiddy/sql-reviewer/internal/backoff"
	"github.com/pdiddy/sql-reviewer/internal/httputil"
	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// ErrNoChoices is returned when a response carries no completion.
var ErrNoChoices = errors.New("no choices in API response")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type typeField struct {
	Type string `json:"type"`
}

// ChatRequest is the request body sent to the endpoint.
type ChatRequest struct {
	Model            string     `json:"model"`
	Messages         []Message  `json:"messages"`
	MaxTokens        int        `json:"max_tokens,omitempty"`
	Temperature      float64    `json:"temperature"`
	TopP             float64    `json:"top_p"`
	FrequencyPenalty float64    `json:"frequency_penalty"`
	PresencePenalty  float64    `json:"presence_penalty"`
	ResponseFormat   *typeField `json:"response_format,omitempty"`
	Thinking         *typeField `json:"thinking,omitempty"`
}

// NewJSONRequest returns a request asking for a JSON object answer with
// reasoning enabled and near-deterministic sampling.
func NewJSONRequest(model, system, user string, maxTokens int) ChatRequest {
	return ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:      maxTokens,
		Temperature:    0.1,
		TopP:           1.0,
		ResponseFormat: &typeField{Type: "json_object"},
		Thinking:       &typeField{Type: "enabled"},
	}
}

type usageResponse struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage usageResponse `json:"usage"`
}

// ChatResponse is the part of a completion the pipeline uses.
type ChatResponse struct {
	Content string
	Usage   types.Usage
}

// ChatClient calls one chat-completions endpoint.
type ChatClient struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewChatClient returns a client for url authenticating with apiKey.
func NewChatClient(url, apiKey string, httpClient *http.Client) *ChatClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ChatClient{url: url, apiKey: apiKey, http: httpClient}
}

// Complete sends req and returns the first choice's content and the token
// usage. Authentication and other client errors are marked permanent.
func (c *ChatClient) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if c.apiKey == "" {
		return ChatResponse{}, backoff.Permanent(errors.New("API key is not set"))
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	var resp chatResponse
	if err := httputil.PostJSON(ctx, c.http, c.url, header, req, &resp); err != nil {
		return ChatResponse{}, fmt.Errorf("chat completion: %w", err)
	}

	out := ChatResponse{Usage: types.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CachedTokens:     resp.Usage.PromptTokensDetails.CachedTokens,
		ReasoningTokens:  resp.Usage.CompletionTokensDetails.ReasoningTokens,
	}}
	if len(resp.Choices) == 0 {
		return out, ErrNoChoices
	}
	out.Content = resp.Choices[0].Message.Content
	return out, nil
}

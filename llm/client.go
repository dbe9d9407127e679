// Package llm wraps the external LLM endpoint the analysis workers call:
// retry-with-backoff, a circuit breaker, token counting/truncation and
// response sanitization all live here so worker/* code calls one narrow
// interface and never touches go-openai, gobreaker or tiktoken-go directly.
// The client is split into a narrow interface plus a scripted fake, the
// same shape used elsewhere in this module for external services.
package llm

import (
	"context"

	"github.com/evalgo/codeatlas/cerrors"
	openai "github.com/sashabaranov/go-openai"
)

// Request is one prompt-and-context bundle sent to the model.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// Client is the LLM collaborator contract every worker depends on.
type Client interface {
	// Complete sends req and returns the raw model response text. Callers
	// run the result through Sanitize/Repair before parsing JSON out of it.
	Complete(ctx context.Context, req Request) (string, error)
}

// OpenAIClient implements Client against an OpenAI-compatible endpoint.
type OpenAIClient struct {
	api   *openai.Client
	model string
}

// NewOpenAIClient builds a client against baseURL (empty uses OpenAI's
// default) with apiKey and the chat model name to request.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(cfg), model: model}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", cerrors.Dataf(nil, "llm: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError maps the go-openai error surface onto the codeatlas
// error taxonomy: rate limits and 5xx are Transient (worth retrying),
// anything else — bad request, auth failure — is Policy (not worth
// retrying without operator intervention).
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		switch {
		case apiErr.HTTPStatusCode == 429, apiErr.HTTPStatusCode >= 500:
			return cerrors.Transientf(err, "llm: %s", apiErr.Message)
		default:
			return cerrors.Policyf(err, "llm: %s", apiErr.Message)
		}
	}
	return cerrors.Transientf(err, "llm: request failed")
}

func asAPIError(err error, target **openai.APIError) bool {
	apiErr, ok := err.(*openai.APIError)
	if ok {
		*target = apiErr
	}
	return ok
}

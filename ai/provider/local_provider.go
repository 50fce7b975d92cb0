package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/errors"
)

// LocalProvider implements text generation against local inference servers.
// Supports Ollama, LocalAI, or any OpenAI-compatible local endpoint.
type LocalProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	config     *config.LocalInferenceConfig
}

// NewLocalProvider creates a provider for local inference
func NewLocalProvider(cfg *config.LocalInferenceConfig) *LocalProvider {
	return &LocalProvider{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		config: cfg,
	}
}

// ChatCompletionRequest matches OpenAI API format (Ollama is compatible)
type ChatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *CompletionOpts `json:"options,omitempty"` // Ollama-specific options
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionOpts struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"num_predict,omitempty"` // Ollama uses num_predict
	NumCtx      int     `json:"num_ctx,omitempty"`     // Context window size (Ollama default: 4096)
}

// ChatCompletionResponse matches OpenAI API format
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// GenerateText sends a prompt to the local inference server and returns the
// completion text. Cancellation comes from ctx; the client timeout still
// applies as an upper bound.
func (lp *LocalProvider) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	// Configure context size from config (nil = use model default)
	numCtx := 0
	if lp.config.ContextSize != nil && *lp.config.ContextSize > 0 {
		numCtx = *lp.config.ContextSize
	}

	reqBody := ChatCompletionRequest{
		Model:    lp.model,
		Messages: messages,
		Stream:   false,
		Options: &CompletionOpts{
			Temperature: 0.7,
			MaxTokens:   4096,
			NumCtx:      numCtx,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	// Use OpenAI-compatible endpoint (works for Ollama, LocalAI, etc.)
	endpoint := lp.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := lp.httpClient.Do(req)
	if err != nil {
		// Connection and timeout failures against a local server can pass
		// on a second try, mark them so retry handlers see through the wrap.
		return "", errors.MarkTransient(errors.Wrap(err, "request failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		statusErr := errors.Newf("local inference returned status %d: %s", resp.StatusCode, buf.String())
		if retryableStatus(resp.StatusCode) {
			statusErr = errors.MarkTransient(statusErr)
		}
		return "", statusErr
	}

	var completion ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", errors.Wrap(err, "failed to decode response")
	}

	if len(completion.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}

	return completion.Choices[0].Message.Content, nil
}

// retryableStatus reports whether a non-200 status is worth a retry:
// server overload and rate limiting clear on their own, client errors
// like a missing model do not.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// EstimateCost returns zero cost for local inference
func (lp *LocalProvider) EstimateCost(promptTokens, completionTokens int) float64 {
	// Local inference has zero API cost
	return 0.0
}

// GetModelName returns the configured local model name
func (lp *LocalProvider) GetModelName() string {
	return lp.model
}

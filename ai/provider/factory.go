// Package provider selects and constructs the LLM client used for reasoning
// generation. All providers speak the same narrow AIClient interface, so the
// explanation engine never cares whether text came from a local model or a
// cloud API.
package provider

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/retracehq/retrace/ai/openrouter"
	"github.com/retracehq/retrace/config"
)

// Provider represents an LLM provider type
type Provider string

const (
	// ProviderLocal uses local inference (Ollama, LocalAI)
	ProviderLocal Provider = "local"
	// ProviderOpenRouter uses OpenRouter.ai API
	ProviderOpenRouter Provider = "openrouter"
	// ProviderAuto automatically selects based on configuration
	ProviderAuto Provider = "auto"
)

// AIClient interface for all LLM providers
// Ensures compatibility between different providers
type AIClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// ClientConfig holds common configuration for creating AI clients
type ClientConfig struct {
	DB            *sql.DB
	Verbosity     int
	OperationType string
	EntityType    string
	EntityID      string
}

// NewAIClient creates an AI client based on configuration (auto-selection)
// Priority: LocalInference (if enabled) → OpenRouter
// This factory function centralizes provider selection logic
func NewAIClient(cfg *config.Config, db *sql.DB, verbosity int, operationType, entityType, entityID string) AIClient {
	clientCfg := ClientConfig{
		DB:            db,
		Verbosity:     verbosity,
		OperationType: operationType,
		EntityType:    entityType,
		EntityID:      entityID,
	}
	return NewAIClientWithProvider(cfg, ProviderAuto, clientCfg)
}

// NewAIClientWithProvider creates an AI client for a specific provider
// Use ProviderAuto to let the factory decide based on configuration
func NewAIClientWithProvider(cfg *config.Config, provider Provider, clientCfg ClientConfig) AIClient {
	switch provider {
	case ProviderLocal:
		return newLocalClient(cfg, clientCfg)
	case ProviderOpenRouter:
		return newOpenRouterClient(cfg, clientCfg)
	case ProviderAuto:
		return autoSelectClient(cfg, clientCfg)
	default:
		// Unknown provider, fall back to auto
		return autoSelectClient(cfg, clientCfg)
	}
}

// autoSelectClient automatically selects the best available provider
// Priority: LocalInference (if enabled) → OpenRouter (default)
func autoSelectClient(cfg *config.Config, clientCfg ClientConfig) AIClient {
	// Priority 1: Local inference if enabled
	if cfg.LocalInference.Enabled {
		return newLocalClient(cfg, clientCfg)
	}

	// Priority 2: OpenRouter (default)
	return newOpenRouterClient(cfg, clientCfg)
}

// newLocalClient creates a local inference client
func newLocalClient(cfg *config.Config, clientCfg ClientConfig) AIClient {
	return NewLocalClient(LocalClientConfig{
		BaseURL:        cfg.LocalInference.BaseURL,
		Model:          cfg.LocalInference.Model,
		TimeoutSeconds: cfg.LocalInference.TimeoutSeconds,
		ContextSize:    cfg.LocalInference.ContextSize,
		DB:             clientCfg.DB,
		Verbosity:      clientCfg.Verbosity,
		OperationType:  clientCfg.OperationType,
		EntityType:     clientCfg.EntityType,
		EntityID:       clientCfg.EntityID,
	})
}

// newOpenRouterClient creates an OpenRouter API client
func newOpenRouterClient(cfg *config.Config, clientCfg ClientConfig) AIClient {
	return openrouter.NewClient(openrouter.Config{
		APIKey:        cfg.OpenRouter.APIKey,
		Model:         cfg.OpenRouter.Model,
		Temperature:   cfg.OpenRouter.Temperature,
		MaxTokens:     cfg.OpenRouter.MaxTokens,
		DB:            clientCfg.DB,
		Verbosity:     clientCfg.Verbosity,
		OperationType: clientCfg.OperationType,
		EntityType:    clientCfg.EntityType,
		EntityID:      clientCfg.EntityID,
	})
}

// GetAvailableProviders returns a list of configured/available providers
func GetAvailableProviders(cfg *config.Config) []Provider {
	var providers []Provider

	// Local is always "available" if enabled
	if cfg.LocalInference.Enabled {
		providers = append(providers, ProviderLocal)
	}

	// OpenRouter available if API key is set
	if cfg.OpenRouter.APIKey != "" {
		providers = append(providers, ProviderOpenRouter)
	}

	return providers
}

// ParseProvider converts a string to a Provider type
func ParseProvider(s string) (Provider, error) {
	switch s {
	case "local", "ollama", "localai":
		return ProviderLocal, nil
	case "openrouter", "or":
		return ProviderOpenRouter, nil
	case "auto", "":
		return ProviderAuto, nil
	default:
		return "", fmt.Errorf("unknown provider: %s (valid: local, openrouter, auto)", s)
	}
}

// LocalClientConfig holds configuration for local inference client
type LocalClientConfig struct {
	BaseURL        string
	Model          string
	TimeoutSeconds int
	ContextSize    *int
	DB             *sql.DB
	Verbosity      int
	OperationType  string
	EntityType     string
	EntityID       string
}

// NewLocalClient creates a client that wraps LocalProvider to be compatible with the AIClient interface
func NewLocalClient(cfg LocalClientConfig) AIClient {
	return &LocalClientAdapter{
		provider: NewLocalProvider(&config.LocalInferenceConfig{
			Enabled:        true,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			TimeoutSeconds: cfg.TimeoutSeconds,
			ContextSize:    cfg.ContextSize,
		}),
		config: cfg,
	}
}

// LocalClientAdapter adapts LocalProvider to match the AIClient interface
type LocalClientAdapter struct {
	provider *LocalProvider
	config   LocalClientConfig
}

// Chat implements the AIClient interface for local inference
func (lca *LocalClientAdapter) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	// Note: Model override from req.Model not currently supported for local inference
	// The model is configured in LocalInferenceConfig and used by the provider
	content, err := lca.provider.GenerateText(ctx, req.SystemPrompt, req.UserPrompt)
	if err != nil {
		return nil, err
	}

	// Local inference doesn't provide token usage stats by default
	return &openrouter.ChatResponse{
		Content: content,
		Usage:   openrouter.Usage{},
	}, nil
}

// Verify interfaces are implemented
var _ AIClient = (*openrouter.Client)(nil)
var _ AIClient = (*LocalClientAdapter)(nil)

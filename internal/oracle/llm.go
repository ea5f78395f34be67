package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LLM adapts a langchaingo model to the Oracle interface.
type LLM struct {
	model llms.Model
	opts  []llms.CallOption
}

// NewLLM wraps model. opts are applied to every call.
func NewLLM(model llms.Model, opts ...llms.CallOption) *LLM {
	return &LLM{model: model, opts: opts}
}

// Consume implements Oracle.
func (o *LLM) Consume(ctx context.Context, prompt string, constraints []string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, o.model, BuildPrompt(prompt, constraints), o.opts...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return out, nil
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	Model          string
	EmbeddingModel string
	BaseURL        string
	APIKey         string
	Temperature    float64
	MaxTokens      int
}

func (c OpenAIConfig) clientOptions() []openai.Option {
	opts := []openai.Option{openai.WithModel(c.Model)}
	if c.EmbeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(c.EmbeddingModel))
	}
	if c.APIKey != "" {
		opts = append(opts, openai.WithToken(c.APIKey))
	}
	if c.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(c.BaseURL))
	}
	return opts
}

// NewOpenAI builds an LLM oracle backed by an OpenAI-compatible endpoint.
func NewOpenAI(cfg OpenAIConfig) (*LLM, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	client, err := openai.New(cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	var callOpts []llms.CallOption
	if cfg.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	return NewLLM(client, callOpts...), nil
}

// NewOpenAIEmbedder builds a langchaingo embedder on the same provider.
func NewOpenAIEmbedder(cfg OpenAIConfig) (embeddings.Embedder, error) {
	client, err := openai.New(cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return emb, nil
}

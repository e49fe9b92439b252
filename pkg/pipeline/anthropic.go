package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/anthropics/anthropic-sdk-go"
)

const (
	defaultMaxTokens       = 2048
	defaultTierConcurrency = 8
)

// TierModels maps each tier to an Anthropic model. Cheaper tiers run on
// smaller models; correctness is enforced downstream, not here.
type TierModels struct {
	Simple   anthropic.Model
	Moderate anthropic.Model
	Complex  anthropic.Model
}

func DefaultTierModels() TierModels {
	return TierModels{
		Simple:   anthropic.ModelClaude3_5HaikuLatest,
		Moderate: anthropic.ModelClaudeSonnet4_0,
		Complex:  anthropic.ModelClaudeOpus4_0,
	}
}

// AnthropicClientConfig configures the Anthropic-backed LLM client.
type AnthropicClientConfig struct {
	Logger *slog.Logger
	Models TierModels

	// Optional with defaults.
	MaxTokens       int64
	TierConcurrency int
}

func (c *AnthropicClientConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Models.Simple == "" || c.Models.Moderate == "" || c.Models.Complex == "" {
		return errors.New("a model is required for every tier")
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.TierConcurrency == 0 {
		c.TierConcurrency = defaultTierConcurrency
	}
	return nil
}

// AnthropicClient implements LLMClient against the Anthropic API. Each tier
// has its own concurrency ceiling, independent of the execution pool, so a
// burst of cheap questions cannot starve complex ones of API slots.
type AnthropicClient struct {
	log    *slog.Logger
	cfg    *AnthropicClientConfig
	client anthropic.Client
	pools  map[Tier]pond.ResultPool[string]
}

func NewAnthropicClient(cfg *AnthropicClientConfig) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pools := map[Tier]pond.ResultPool[string]{
		TierSimple:   pond.NewResultPool[string](cfg.TierConcurrency),
		TierModerate: pond.NewResultPool[string](cfg.TierConcurrency),
		TierComplex:  pond.NewResultPool[string](cfg.TierConcurrency),
	}
	return &AnthropicClient{
		log:    cfg.Logger,
		cfg:    cfg,
		client: anthropic.NewClient(),
		pools:  pools,
	}, nil
}

func (c *AnthropicClient) model(tier Tier) anthropic.Model {
	switch tier {
	case TierSimple:
		return c.cfg.Models.Simple
	case TierComplex:
		return c.cfg.Models.Complex
	default:
		return c.cfg.Models.Moderate
	}
}

// Complete sends one prompt to the tier's model and returns the raw text.
func (c *AnthropicClient) Complete(ctx context.Context, tier Tier, systemPrompt, userPrompt string) (string, error) {
	pool, ok := c.pools[tier]
	if !ok {
		pool = c.pools[TierModerate]
	}

	group := pool.NewGroupContext(ctx)
	group.SubmitErr(func() (string, error) {
		return c.complete(ctx, tier, systemPrompt, userPrompt)
	})
	results, err := group.Wait()
	if err != nil {
		return "", err
	}
	return results[0], nil
}

func (c *AnthropicClient) complete(ctx context.Context, tier Tier, systemPrompt, userPrompt string) (string, error) {
	model := c.model(tier)
	start := time.Now()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: c.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	duration := time.Since(start)
	if err != nil {
		c.log.Error("generation call failed", "model", model, "tier", tier, "duration", duration, "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	c.log.Debug("generation call completed",
		"model", model, "tier", tier, "duration", duration, "stopReason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

// Stop releases the per-tier pools.
func (c *AnthropicClient) Stop() {
	for _, p := range c.pools {
		p.StopAndWait()
	}
}
